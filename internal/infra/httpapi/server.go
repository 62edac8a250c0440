package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/gorilla/mux"

	"bull-bridge/internal/domain"
)

const maxBodyBytes = 4096

// Controller is the part of the bridge the control API drives.
type Controller interface {
	Devices() []domain.Snapshot
	Device(iotID string) (domain.Snapshot, error)
	Execute(ctx context.Context, cmd domain.Command) error
	SetProperty(ctx context.Context, iotID, identifier string, value any) error
	Families(ctx context.Context) ([]domain.Family, error)
	SelectFamilies(ids []int) error
	Reload(ctx context.Context) error
	PushState() domain.PushState
}

// Server is the local HTTP control surface for the bridge.
type Server struct {
	addr        string
	ctrl        Controller
	logger      *slog.Logger
	router      *mux.Router
	rateLimiter *RateLimiter
	authToken   string

	mu      sync.Mutex
	server  *http.Server
	running bool
}

func NewServer(addr, authToken string, ctrl Controller, logger *slog.Logger) *Server {
	s := &Server{
		addr:        addr,
		ctrl:        ctrl,
		logger:      logger,
		router:      mux.NewRouter(),
		rateLimiter: NewRateLimiter(30, time.Minute), // 30 requests per minute per IP
		authToken:   authToken,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/devices/{iotId}", s.handleDevice).Methods(http.MethodGet)
	s.router.HandleFunc("/families", s.handleFamilies).Methods(http.MethodGet)

	s.router.Handle("/devices/{iotId}/properties/{identifier}", s.guard(s.handleSetProperty)).Methods(http.MethodPut)
	s.router.Handle("/devices/{iotId}/actions/{action}", s.guard(s.handleAction)).Methods(http.MethodPost)
	s.router.Handle("/families", s.guard(s.handleSelectFamilies)).Methods(http.MethodPut)
	s.router.Handle("/reload", s.guard(s.handleReload)).Methods(http.MethodPost)
}

// guard applies rate limiting and token auth to mutating routes.
func (s *Server) guard(h http.HandlerFunc) http.Handler {
	return s.rateLimiter.Middleware(s.requireToken(h))
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("control API starting", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			if err := s.server.Close(); err != nil {
				return fmt.Errorf("closing server: %w", err)
			}
		}
	}

	s.running = false
	return nil
}

// requireToken checks X-Auth-Token or the token query parameter when an auth
// token is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			token := r.Header.Get("X-Auth-Token")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
				s.logger.Warn("unauthorized request", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				writeError(w, goerrors.New("unauthorized", goerrors.CategoryAuthz).WithTextCode("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(s.ctrl.Devices()),
		"push":    s.ctrl.PushState(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Devices())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.ctrl.Device(mux.Vars(r)["iotId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Value) == 0 {
		writeError(w, badRequest("missing value"))
		return
	}

	value, err := decodeScalar(req.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.ctrl.SetProperty(r.Context(), vars["iotId"], vars["identifier"], value); err != nil {
		s.logger.Error("setting property", "iot_id", vars["iotId"], "identifier", vars["identifier"], "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cmd := domain.Command{
		Action:  domain.Action(vars["action"]),
		IotID:   vars["iotId"],
		Channel: r.URL.Query().Get("channel"),
	}

	if err := s.ctrl.Execute(r.Context(), cmd); err != nil {
		s.logger.Error("executing action", "iot_id", cmd.IotID, "action", cmd.Action, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	families, err := s.ctrl.Families(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, families)
}

func (s *Server) handleSelectFamilies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Families []int `json:"families"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Families == nil {
		req.Families = []int{}
	}

	if err := s.ctrl.SelectFamilies(req.Families); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"families": req.Families})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reload(r.Context()); err != nil {
		s.logger.Error("reload failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "devices": len(s.ctrl.Devices())})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return badRequest("failed to read body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// decodeScalar keeps integers integral so the vendor receives 1 rather
// than 1.0. Booleans become 1/0 like every other on/off data point.
func decodeScalar(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, badRequest("invalid value")
	}
	switch t := v.(type) {
	case float64:
		if i, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return i, nil
		}
		return t, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		return t, nil
	}
	return nil, badRequest("value must be a number, string or boolean")
}
