// Package httpapi is the cabinet's read-only JSON status surface: the key
// inventory, the strips seen on the bus and the overdue alarm state.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/service"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

type KeyLister interface {
	Keys(ctx context.Context) ([]types.Key, error)
}

type StripLister interface {
	List() []service.StripInfo
}

type AlarmReader interface {
	State() service.EscalationState
	Prompted(ctx context.Context) ([]string, error)
}

// SessionGate reports whether a session is in progress.
type SessionGate interface {
	Active() bool
}

type Dependencies struct {
	Logger *zap.Logger
	Addr   string
	Keys   KeyLister
	Strips StripLister
	Alarms AlarmReader
	Gate   SessionGate
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	keys       KeyLister
	strips     StripLister
	alarms     AlarmReader
	gate       SessionGate
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger: d.Logger,
		mux:    mux,
		keys:   d.Keys,
		strips: d.Strips,
		alarms: d.Alarms,
		gate:   d.Gate,
	}

	mux.HandleFunc("GET /v1/keys", s.handleKeys)
	mux.HandleFunc("GET /v1/strips", s.handleStrips)
	mux.HandleFunc("GET /v1/alarms", s.handleAlarms)
	mux.HandleFunc("GET /v1/session", s.handleSession)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type keysResponse struct {
	Keys []types.Key `json:"keys"`
	Out  int         `json:"out"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.Keys(r.Context())
	if err != nil {
		s.logger.Error("list keys failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	if keys == nil {
		keys = []types.Key{}
	}

	resp := keysResponse{Keys: keys}
	for _, k := range keys {
		if k.IsOut() {
			resp.Out++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStrips(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strips": s.strips.List()})
}

type alarmsResponse struct {
	Prompted   []string   `json:"prompted"`
	Sounding   bool       `json:"sounding"`
	AckCount   int        `json:"ack_count"`
	LastAckAt  *time.Time `json:"last_ack_at,omitempty"`
	LastScanAt *time.Time `json:"last_scan_at,omitempty"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	names, err := s.alarms.Prompted(r.Context())
	if err != nil {
		s.logger.Error("load prompted keys failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}
	if names == nil {
		names = []string{}
	}

	st := s.alarms.State()
	writeJSON(w, http.StatusOK, alarmsResponse{
		Prompted:   names,
		Sounding:   st.Sounding,
		AckCount:   st.AckCount,
		LastAckAt:  timeOrNil(st.LastAckAt),
		LastScanAt: timeOrNil(st.LastScanAt),
		LastTickAt: timeOrNil(st.LastTickAt),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.gate.Active()})
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
