package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/cursor-bridge/internal/keystore"
	"github.com/loqalabs/cursor-bridge/internal/presence"
	"github.com/loqalabs/cursor-bridge/internal/relay"
	"github.com/loqalabs/cursor-bridge/internal/voice"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	r.facts.Register(mux)

	mux.HandleFunc("GET /api/relay/endpoint", r.handleGetEndpoint)
	mux.HandleFunc("PUT /api/relay/endpoint", r.handlePutEndpoint)
	mux.HandleFunc("POST /api/relay/submit", r.handleSubmit)
	mux.HandleFunc("GET /api/relay/status", r.handleStatus)
	mux.HandleFunc("GET /api/relay/logs", r.handleLogs)
	mux.HandleFunc("DELETE /api/relay/logs", r.handleClearLogs)
	mux.HandleFunc("GET /api/relay/history", r.handleHistory)

	mux.HandleFunc("GET /api/bridges", r.handleBridges)

	mux.HandleFunc("GET /api/voice", r.handleVoice)
	mux.HandleFunc("POST /api/voice/start", r.handleVoiceStart)
	mux.HandleFunc("POST /api/voice/stop", r.handleVoiceStop)
	mux.HandleFunc("POST /api/voice/clear", r.handleVoiceClear)
	mux.HandleFunc("POST /api/voice/use", r.handleVoiceUse)

	mux.HandleFunc("GET /api/settings/credential", r.handleGetCredential)
	mux.HandleFunc("PUT /api/settings/credential", r.handlePutCredential)
	mux.HandleFunc("DELETE /api/settings/credential", r.handleDeleteCredential)
	mux.HandleFunc("GET /api/settings/display", r.handleGetDisplay)
	mux.HandleFunc("PUT /api/settings/display", r.handlePutDisplay)
	return mux
}

type errorBody struct {
	Error string `json:"error"`
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("write response failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type endpointBody struct {
	URL string `json:"url"`
}

type endpointResponse struct {
	URL  string `json:"url"`
	Base string `json:"base"`
}

func (r *Runtime) handleGetEndpoint(w http.ResponseWriter, _ *http.Request) {
	st := r.relay.Status()
	r.writeJSON(w, http.StatusOK, endpointResponse{URL: st.Endpoint, Base: st.Base})
}

func (r *Runtime) handlePutEndpoint(w http.ResponseWriter, req *http.Request) {
	var body endpointBody
	if err := decodeBody(w, req, &body); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := r.relay.SetEndpoint(body.URL); err != nil {
		status := http.StatusConflict
		if relay.IsValidation(err) {
			status = http.StatusBadRequest
		}
		r.writeError(w, status, err.Error())
		return
	}
	st := r.relay.Status()
	r.writeJSON(w, http.StatusOK, endpointResponse{URL: st.Endpoint, Base: st.Base})
}

type submitBody struct {
	Message string `json:"message"`
	Mode    string `json:"mode"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (r *Runtime) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var body submitBody
	if err := decodeBody(w, req, &body); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := r.relay.Submit(req.Context(), body.Message, body.Mode)
	if err != nil {
		status := http.StatusConflict
		if relay.IsValidation(err) {
			status = http.StatusBadRequest
		}
		r.writeError(w, status, relay.UserMessage(err))
		return
	}
	r.writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.relay.Status())
}

type logsResponse struct {
	Lines []string `json:"lines"`
	Next  int      `json:"next"`
	Epoch int      `json:"epoch"`
}

func (r *Runtime) handleLogs(w http.ResponseWriter, req *http.Request) {
	since := 0
	if raw := req.URL.Query().Get("since"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			r.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	lines, next, epoch := r.relay.Log().Read(since)
	r.writeJSON(w, http.StatusOK, logsResponse{Lines: lines, Next: next, Epoch: epoch})
}

func (r *Runtime) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	r.relay.ClearLog()
	w.WriteHeader(http.StatusNoContent)
}

type submissionView struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Mode      string    `json:"mode"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type eventView struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			r.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if session := strings.TrimSpace(req.URL.Query().Get("session")); session != "" {
		events, err := r.store.ListSubmissionEvents(req.Context(), session, limit)
		if err != nil {
			r.logger.Error("list submission events", slog.String("error", err.Error()))
			r.writeError(w, http.StatusInternalServerError, "failed to load history")
			return
		}
		views := make([]eventView, 0, len(events))
		for _, e := range events {
			views = append(views, eventView{Type: e.Type, Text: string(e.Payload), TraceID: e.TraceID, CreatedAt: e.CreatedAt})
		}
		r.writeJSON(w, http.StatusOK, map[string]any{"session": session, "events": views})
		return
	}

	subs, err := r.store.ListSubmissions(req.Context(), limit)
	if err != nil {
		r.logger.Error("list submissions", slog.String("error", err.Error()))
		r.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	views := make([]submissionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, submissionView{ID: s.ID, Endpoint: s.Endpoint, Mode: s.Mode, Message: s.Message, CreatedAt: s.CreatedAt})
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"submissions": views})
}

func (r *Runtime) handleBridges(w http.ResponseWriter, req *http.Request) {
	if r.presence == nil {
		r.writeError(w, http.StatusNotFound, "presence requires the bus")
		return
	}
	filter := func(presence.Peer) bool { return true }
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = presence.WithCapability(name)
	}
	if req.URL.Query().Get("healthy") == "true" {
		inner := filter
		filter = func(p presence.Peer) bool { return inner(p) && presence.OnlyHealthy(p) }
	}
	peers := r.presence.Peers(filter)
	if peers == nil {
		peers = []presence.Peer{}
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"self": r.presence.ID(), "bridges": peers})
}

func (r *Runtime) voiceEnabled(w http.ResponseWriter) bool {
	if r.voice == nil {
		r.writeError(w, http.StatusNotFound, "voice capture is disabled")
		return false
	}
	return true
}

func voiceStatus(err error) int {
	switch {
	case errors.Is(err, voice.ErrBusy), errors.Is(err, voice.ErrNotRecording):
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

type voiceErrorBody struct {
	Error string         `json:"error"`
	Voice voice.Snapshot `json:"voice"`
}

func (r *Runtime) handleVoice(w http.ResponseWriter, _ *http.Request) {
	if !r.voiceEnabled(w) {
		return
	}
	r.writeJSON(w, http.StatusOK, r.voice.Snapshot())
}

func (r *Runtime) handleVoiceStart(w http.ResponseWriter, req *http.Request) {
	if !r.voiceEnabled(w) {
		return
	}
	if err := r.voice.Start(req.Context()); err != nil {
		r.writeJSON(w, voiceStatus(err), voiceErrorBody{Error: err.Error(), Voice: r.voice.Snapshot()})
		return
	}
	r.writeJSON(w, http.StatusOK, r.voice.Snapshot())
}

func (r *Runtime) handleVoiceStop(w http.ResponseWriter, req *http.Request) {
	if !r.voiceEnabled(w) {
		return
	}
	if err := r.voice.Stop(req.Context()); err != nil {
		r.writeJSON(w, voiceStatus(err), voiceErrorBody{Error: err.Error(), Voice: r.voice.Snapshot()})
		return
	}
	r.writeJSON(w, http.StatusOK, r.voice.Snapshot())
}

func (r *Runtime) handleVoiceClear(w http.ResponseWriter, _ *http.Request) {
	if !r.voiceEnabled(w) {
		return
	}
	r.voice.Clear()
	r.writeJSON(w, http.StatusOK, r.voice.Snapshot())
}

type useBody struct {
	Mode string `json:"mode"`
}

// handleVoiceUse submits the current transcript to the agent and clears it.
func (r *Runtime) handleVoiceUse(w http.ResponseWriter, req *http.Request) {
	if !r.voiceEnabled(w) {
		return
	}
	var body useBody
	if err := decodeBody(w, req, &body); err != nil && !errors.Is(err, io.EOF) {
		r.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var id string
	err := r.voice.UseTranscript(func(text string) error {
		var err error
		id, err = r.relay.Submit(req.Context(), text, body.Mode)
		return err
	})
	switch {
	case err == nil:
		r.writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
	case errors.Is(err, voice.ErrNoTranscript):
		r.writeError(w, http.StatusConflict, "no transcript to use")
	case relay.IsValidation(err):
		r.writeError(w, http.StatusBadRequest, relay.UserMessage(err))
	default:
		r.writeError(w, http.StatusConflict, relay.UserMessage(err))
	}
}

type credentialResponse struct {
	Configured bool            `json:"configured"`
	Source     keystore.Source `json:"source"`
	Masked     string          `json:"masked,omitempty"`
}

type credentialBody struct {
	APIKey string `json:"api_key"`
}

// mask keeps the last four characters of a credential.
func mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("•", len(key))
	}
	return strings.Repeat("•", 8) + key[len(key)-4:]
}

func (r *Runtime) writeCredential(w http.ResponseWriter, req *http.Request) {
	key, ok, err := r.keys.Get(req.Context())
	if err != nil {
		r.logger.Error("read credential", slog.String("error", err.Error()))
		r.writeError(w, http.StatusInternalServerError, "failed to read credential")
		return
	}
	source, err := r.keys.Source(req.Context())
	if err != nil {
		r.logger.Error("read credential source", slog.String("error", err.Error()))
		r.writeError(w, http.StatusInternalServerError, "failed to read credential")
		return
	}
	resp := credentialResponse{Configured: ok, Source: source}
	if ok {
		resp.Masked = mask(key)
	}
	r.writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleGetCredential(w http.ResponseWriter, req *http.Request) {
	r.writeCredential(w, req)
}

func (r *Runtime) handlePutCredential(w http.ResponseWriter, req *http.Request) {
	var body credentialBody
	if err := decodeBody(w, req, &body); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := r.keys.Set(req.Context(), body.APIKey); err != nil {
		if errors.Is(err, keystore.ErrEmptyKey) {
			r.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.logger.Error("store credential", slog.String("error", err.Error()))
		r.writeError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}
	r.writeCredential(w, req)
}

func (r *Runtime) handleDeleteCredential(w http.ResponseWriter, req *http.Request) {
	if err := r.keys.Clear(req.Context()); err != nil {
		r.logger.Error("clear credential", slog.String("error", err.Error()))
		r.writeError(w, http.StatusInternalServerError, "failed to clear credential")
		return
	}
	r.writeCredential(w, req)
}

type displayBody struct {
	ShowVoiceCommands *bool `json:"show_voice_commands"`
}

func (r *Runtime) handleGetDisplay(w http.ResponseWriter, req *http.Request) {
	show, err := r.display.Get(req.Context())
	if err != nil {
		r.logger.Warn("read display preference", slog.String("error", err.Error()))
	}
	r.writeJSON(w, http.StatusOK, displayBody{ShowVoiceCommands: &show})
}

func (r *Runtime) handlePutDisplay(w http.ResponseWriter, req *http.Request) {
	var body displayBody
	if err := decodeBody(w, req, &body); err != nil || body.ShowVoiceCommands == nil {
		r.writeError(w, http.StatusBadRequest, "show_voice_commands must be a boolean")
		return
	}
	if err := r.display.Set(req.Context(), *body.ShowVoiceCommands); err != nil {
		r.logger.Error("store display preference", slog.String("error", err.Error()))
		r.writeError(w, http.StatusInternalServerError, "failed to store preference")
		return
	}
	r.writeJSON(w, http.StatusOK, body)
}
