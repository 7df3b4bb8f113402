// Package router answers submission requests arriving over NATS.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/cursor-bridge/internal/bus"
	"github.com/loqalabs/cursor-bridge/internal/config"
	"github.com/loqalabs/cursor-bridge/internal/protocol"
	"github.com/loqalabs/cursor-bridge/internal/relay"
	"github.com/nats-io/nats.go"
)

// Submitter is the relay operation the router exposes.
type Submitter interface {
	Submit(ctx context.Context, message, mode string) (string, error)
}

type Service struct {
	cfg       config.RouterConfig
	bus       *bus.Client
	submitter Submitter
	logger    *slog.Logger
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, submitter Submitter, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "router")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus.Conn() == nil {
		return nil
	}
	subject := s.cfg.Subject
	if subject == "" {
		subject = protocol.SubjectRelaySubmit
	}
	sub, err := s.bus.Conn().Subscribe(subject, s.handleSubmit)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("router listening", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.bus.Conn() == nil || s.sub != nil
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode submit request", slogError(err))
		s.reply(msg, protocol.SubmitReply{Error: "invalid request: " + err.Error()})
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	id, err := s.submitter.Submit(s.ctx, req.Message, req.Mode)
	if err != nil {
		s.logger.Info("submission rejected", slogError(err))
		s.reply(msg, protocol.SubmitReply{Error: relay.UserMessage(err)})
		return
	}
	s.reply(msg, protocol.SubmitReply{OK: true, ID: id})
}

func (s *Service) reply(msg *nats.Msg, reply protocol.SubmitReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
