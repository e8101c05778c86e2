package web

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"doser-dashboard/internal/api"
	"doser-dashboard/internal/calibration"
	"doser-dashboard/internal/device"
	"doser-dashboard/internal/settings"
)

// Controller is the part of the device API the views call directly.
type Controller interface {
	Run(ctx context.Context, cmd device.RunCommand) (bool, error)
	UploadFirmware(ctx context.Context, filename string, image io.Reader, size int64, progress api.ProgressFunc) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMaxUploadSize limits the firmware image size in bytes.
func WithMaxUploadSize(n int64) ServerOption {
	return func(s *Server) {
		s.maxUpload = n
	}
}

// Server exposes the settings store to the views as a JSON API plus a
// WebSocket stream of store events.
type Server struct {
	store          *settings.Store
	device         Controller
	calibrations   *calibration.Manager
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	maxUpload      int64
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(st *settings.Store, dev Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:     st,
		device:    dev,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		maxUpload: 4 << 20,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.calibrations = calibration.NewManager(dev, st, logger, calibration.WithNotify(func(snap calibration.Snapshot) {
		st.Events().Emit(settings.EventCalibration, snap)
	}))

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = st.Events().OnAll(func(event settings.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Session
	s.mux.HandleFunc("GET /api/session", s.handleAPISession)
	s.mux.HandleFunc("POST /api/session", s.handleAPILogin)
	s.mux.HandleFunc("DELETE /api/session", s.handleAPILogout)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Status and settings
	s.mux.HandleFunc("GET /api/status", s.requireSession(s.handleAPIStatus))
	s.mux.HandleFunc("POST /api/status/refresh", s.requireSession(s.handleAPIRefreshStatus))
	s.mux.HandleFunc("GET /api/settings", s.requireSession(s.handleAPISettings))
	s.mux.HandleFunc("POST /api/settings/reload", s.requireSession(s.handleAPIReloadSettings))
	s.mux.HandleFunc("PUT /api/services", s.requireSession(s.handleAPIUpdateServices))
	s.mux.HandleFunc("PUT /api/auth", s.requireSession(s.handleAPIUpdateAuth))
	s.mux.HandleFunc("PUT /api/time", s.requireSession(s.handleAPIUpdateTime))
	s.mux.HandleFunc("POST /api/firmware", s.requireSession(s.handleAPIFirmware))

	// Networks
	s.mux.HandleFunc("GET /api/networks", s.requireSession(s.handleAPIListNetworks))
	s.mux.HandleFunc("GET /api/networks/types", s.requireSession(s.handleAPINetworkTypes))
	s.mux.HandleFunc("POST /api/networks", s.requireSession(s.handleAPIAddNetwork))
	s.mux.HandleFunc("PUT /api/networks/{id}", s.requireSession(s.handleAPIUpdateNetwork))
	s.mux.HandleFunc("DELETE /api/networks/{id}", s.requireSession(s.handleAPIDeleteNetwork))

	// Pumps
	s.mux.HandleFunc("GET /api/pumps", s.requireSession(s.handleAPIListPumps))
	s.mux.HandleFunc("PUT /api/pumps/{id}", s.requireSession(s.handleAPIUpdatePump))
	s.mux.HandleFunc("POST /api/pumps/{id}/run", s.requireSession(s.handleAPIRunPump))
	s.mux.HandleFunc("PUT /api/pumps/{id}/calibration", s.requireSession(s.handleAPIStageCalibration))
	s.mux.HandleFunc("DELETE /api/pumps/{id}/calibration/{index}", s.requireSession(s.handleAPIRemoveCalibration))
	s.mux.HandleFunc("GET /api/pumps/{id}/calibration/session", s.requireSession(s.handleAPICalibrationSession))
	s.mux.HandleFunc("POST /api/pumps/{id}/calibration/{action}", s.requireSession(s.handleAPICalibrationAction))

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.requireSession(s.handleWS))
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// requireSession answers 401 with a login redirect hint while the store has
// no device session.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.store.Authenticated() {
			s.writeUnauthorized(w)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
