package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicecall/internal/call"
	"github.com/ent0n29/voicecall/internal/config"
	"github.com/ent0n29/voicecall/internal/memory"
	"github.com/ent0n29/voicecall/internal/observability"
	"github.com/ent0n29/voicecall/internal/protocol"
)

// Calls is the control surface of the call orchestrator.
type Calls interface {
	StartCall(ctx context.Context, phoneNumber string) error
	EndCall() error
	ToggleMute() (bool, error)
	InjectUtterance(text string) error
	Snapshot() call.Snapshot
	Subscribe() (<-chan any, func())
}

type Server struct {
	cfg      config.Config
	calls    Calls
	archive  memory.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls Calls, archive memory.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		calls:   calls,
		archive: archive,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the call; other websites must not.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/call", s.handleSnapshot)
	r.Post("/v1/call/start", s.handleStartCall)
	r.Post("/v1/call/end", s.handleEndCall)
	r.Post("/v1/call/mute", s.handleToggleMute)
	r.Post("/v1/call/utterance", s.handleUtterance)
	r.Get("/v1/call/events", s.handleEvents)
	r.Get("/v1/call/latency", s.handleLatency)
	r.Get("/v1/calls/history", s.handleHistory)
	r.Get("/v1/setup/status", s.handleSetupStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"archive_mode": s.archiveMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "call orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"call_state": s.calls.Snapshot().State,
	})
}

type startCallRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type muteResponse struct {
	Muted bool `json:"muted"`
}

type utteranceRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if !s.ensureCalls(w) {
		return
	}
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	if !s.ensureCalls(w) {
		return
	}
	var req startCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.calls.StartCall(r.Context(), req.PhoneNumber); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleEndCall(w http.ResponseWriter, _ *http.Request) {
	if !s.ensureCalls(w) {
		return
	}
	if err := s.calls.EndCall(); err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleToggleMute(w http.ResponseWriter, _ *http.Request) {
	if !s.ensureCalls(w) {
		return
	}
	muted, err := s.calls.ToggleMute()
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, muteResponse{Muted: muted})
}

func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	if !s.ensureCalls(w) {
		return
	}
	var req utteranceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.calls.InjectUtterance(req.Text); err != nil {
		respondCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	phone := strings.TrimSpace(r.URL.Query().Get("phone"))
	if phone == "" {
		respondError(w, http.StatusBadRequest, "missing_phone", "query parameter phone is required")
		return
	}
	if s.archive == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "transcript archive not configured")
		return
	}
	limit := s.cfg.TranscriptHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if limit <= 0 || n < limit {
			limit = n
		}
	}

	entries, err := s.archive.Recent(r.Context(), phone, limit)
	if err != nil {
		log.Printf("httpapi: history lookup failed: %v", err)
		respondError(w, http.StatusInternalServerError, "archive_error", "history lookup failed")
		return
	}
	if entries == nil {
		entries = []memory.EntryRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.ensureCalls(w) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.calls.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Control replies share the writer goroutine with call events.
	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return false
			}
			return true
		}
		if !write(stateEvent(s.calls.Snapshot())) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					cancel()
					_ = conn.Close()
					return
				}
				if !write(msg) {
					return
				}
			case msg := <-replies:
				if !write(msg) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		if reply := s.applyControl(data); reply != nil {
			select {
			case replies <- reply:
			default:
				// Keep websocket writes single-threaded; drop if the reply queue is saturated.
			}
		}
	}

	cancel()
	<-writerDone
}

// applyControl executes one client control message and returns an error event to send
// back, if any.
func (s *Server) applyControl(data []byte) any {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return controlError("invalid_client_message", err)
	}
	msg, ok := parsed.(protocol.ClientControl)
	if !ok {
		return nil
	}
	switch msg.Action {
	case protocol.ActionEndCall:
		err = s.calls.EndCall()
	case protocol.ActionToggleMute:
		_, err = s.calls.ToggleMute()
	}
	if err != nil {
		return controlError(errorCode(err), err)
	}
	return nil
}

func controlError(code string, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   code,
		Source: "control",
		Detail: err.Error(),
	}
}

func stateEvent(snap call.Snapshot) protocol.CallState {
	return protocol.CallState{
		Type:       protocol.TypeCallState,
		Generation: snap.Generation,
		State:      string(snap.State),
		SessionID:  snap.SessionID,
		RoomID:     snap.RoomID,
		Muted:      snap.Muted,
		Connected:  snap.Connected,
	}
}

func (s *Server) ensureCalls(w http.ResponseWriter) bool {
	if s.calls == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call orchestrator not configured")
		return false
	}
	return true
}

func (s *Server) archiveMode() string {
	switch s.archive.(type) {
	case nil:
		return "disabled"
	case *memory.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

func errorCode(err error) string {
	var validation *call.ValidationError
	var setup *call.SetupError
	switch {
	case errors.As(err, &validation):
		return "invalid_request"
	case errors.Is(err, call.ErrCallInProgress):
		return "call_in_progress"
	case errors.Is(err, call.ErrNotConnected):
		return "not_connected"
	case errors.As(err, &setup):
		return "setup_failed_" + setup.Stage
	default:
		return "internal_error"
	}
}

func respondCallError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch {
	case code == "invalid_request":
		status = http.StatusBadRequest
	case code == "call_in_progress", code == "not_connected":
		status = http.StatusConflict
	case strings.HasPrefix(code, "setup_failed_"):
		status = http.StatusBadGateway
	}
	respondError(w, status, code, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
