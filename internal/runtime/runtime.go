// Package runtime wires the bridge components together and serves the HTTP
// control API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/cursor-bridge/internal/bus"
	"github.com/loqalabs/cursor-bridge/internal/catfacts"
	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/eventstore"
	"github.com/loqalabs/cursor-bridge/internal/keystore"
	"github.com/loqalabs/cursor-bridge/internal/natsserver"
	"github.com/loqalabs/cursor-bridge/internal/presence"
	"github.com/loqalabs/cursor-bridge/internal/protocol"
	"github.com/loqalabs/cursor-bridge/internal/relay"
	"github.com/loqalabs/cursor-bridge/internal/router"
	"github.com/loqalabs/cursor-bridge/internal/stt"
	"github.com/loqalabs/cursor-bridge/internal/voice"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	metrics    http.Handler
	ready      atomic.Bool

	telemetryClose func(context.Context) error
	natsServer     *natsserver.EmbeddedServer
	bus            *bus.Client
	store          *eventstore.Store
	keys           *keystore.Store
	display        *keystore.Toggle
	relay          *relay.Relay
	voice          *voice.Session
	router         *router.Service
	presence       *presence.Registry
	facts          *catfacts.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the bridge until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.init(ctx); err != nil {
		return errors.Join(err, r.close())
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = g.Wait()
	return errors.Join(err, r.close())
}

// init builds every component. It is separate from Start so tests can serve
// routes() without binding a port.
func (r *Runtime) init(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.natsServer = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.keys = keystore.New(r.cfg.Credential.APIKey, store)
	r.display = keystore.NewToggle(store, keystore.DisplayKey, true)

	r.relay = relay.New(r.cfg.Relay, relay.Options{Publisher: r.bus, Recorder: store}, r.logger)
	if url := r.cfg.Relay.WebhookURL; url != "" {
		if err := r.relay.SetEndpoint(url); err != nil {
			return fmt.Errorf("relay endpoint: %w", err)
		}
	}

	if r.cfg.Voice.Enabled {
		mic, err := voice.NewMicrophone(r.cfg.Voice.Microphone)
		if err != nil {
			return err
		}
		rec, err := stt.New(r.cfg.Voice.Recognizer)
		if err != nil {
			return err
		}
		transcriber := voice.NewTranscriber(rec, r.cfg.Voice.Recognizer.Language)
		r.voice = voice.NewSession(mic, transcriber, voice.ConstraintsFromConfig(r.cfg.Voice.Microphone), r.bus, r.logger)
	}

	if r.bus != nil {
		r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.relay, r.logger)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
	}

	if r.bus != nil && r.cfg.Presence.Enabled {
		reg, err := presence.New(ctx, r.cfg.Presence, r.bus, r.beacon, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = reg
	}

	r.facts = catfacts.NewHandler(nil, r.logger)
	return nil
}

// beacon describes this instance to its peers.
func (r *Runtime) beacon() protocol.Beacon {
	st := r.relay.Status()
	caps := []string{"relay", "cat-facts"}
	if r.voice != nil {
		caps = append(caps, "voice")
	}
	if r.router != nil {
		caps = append(caps, "router")
	}
	return protocol.Beacon{Endpoint: st.Base, RelayState: st.State.String(), Capabilities: caps}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// close releases components in reverse dependency order.
func (r *Runtime) close() error {
	var errs []error
	if r.presence != nil {
		r.presence.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.voice != nil {
		if err := r.voice.Close(); err != nil {
			errs = append(errs, fmt.Errorf("voice: %w", err))
		}
	}
	if r.relay != nil {
		if err := r.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store: %w", err))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()
	if r.telemetryClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) && (r.router == nil || r.router.Healthy()) &&
		(r.presence == nil || r.presence.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
