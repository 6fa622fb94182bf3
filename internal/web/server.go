package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/freightdesk/intake/internal/logging"
	"github.com/freightdesk/intake/internal/models"
	"github.com/freightdesk/intake/internal/reconcile"
	"github.com/freightdesk/intake/internal/scheduler"
	"github.com/freightdesk/intake/internal/store"
	"github.com/freightdesk/intake/internal/vendor"
)

const (
	defaultAddr      = "127.0.0.1:8380"
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 16
)

// Admin is the set of operator actions the API exposes.
type Admin interface {
	AssignVendor(ctx context.Context, sessionID int64, vendorID string) (*models.Session, *models.ResponseRecord, error)
	OverrideStatus(ctx context.Context, sessionID int64, status string) (*models.Session, error)
}

// Poller triggers batches on demand.
type Poller interface {
	RunOnce(ctx context.Context) (*reconcile.BatchSummary, error)
	Last() *scheduler.Status
}

type Server struct {
	store      *store.Store
	admin      Admin
	poller     Poller
	vendors    *vendor.Directory
	addr       string
	httpServer *http.Server

	// Manual polls and vendor notifications both reach the mail servers
	pollLimiter   *rate.Limiter
	notifyLimiter *rate.Limiter
}

func NewServer(addr string, st *store.Store, admin Admin, poller Poller, vendors *vendor.Directory) *Server {
	if addr == "" {
		addr = defaultAddr
	}
	return &Server{
		store:         st,
		admin:         admin,
		poller:        poller,
		vendors:       vendors,
		addr:          addr,
		pollLimiter:   rate.NewLimiter(rate.Every(10*time.Second), 1),
		notifyLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Start serves the API until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // a manual poll runs a whole batch
		IdleTimeout:  60 * time.Second,
	}

	logging.Log.WithField("addr", s.addr).Info("admin API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Post("/sessions/{id}/status", s.handleSetStatus)
		r.Post("/sessions/{id}/assign", s.handleAssign)
		r.Get("/vendors", s.handleVendors)
		r.Post("/poll", s.handlePoll)
	})

	return r
}

// requestLogger writes one logrus line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		entry := logging.Log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request")
		}
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		// Responses carry customer contact data
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps domain errors onto HTTP status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reconcile.ErrInvalidStatus), errors.Is(err, reconcile.ErrVendorUnavailable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrVendorBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Log.WithError(err).Error("admin request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func sessionIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Queries().GetStats(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := map[string]any{
		"messages": stats.Messages,
		"sessions": stats.Sessions,
	}
	if s.poller != nil {
		resp["last_poll"] = s.poller.Last()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" {
		st, ok := models.ParseSessionStatus(status)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
		status = string(st)
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := s.store.Queries().ListSessions(r.Context(), status, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := s.store.Queries()
	session, err := q.GetSession(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	responses, err := q.ListResponses(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if responses == nil {
		responses = []models.ResponseRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "responses": responses})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.admin.OverrideStatus(r.Context(), id, req.Status)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		VendorID string `json:"vendor_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.VendorID == "" {
		writeError(w, http.StatusBadRequest, "vendor_id is required")
		return
	}

	if !s.notifyLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many notifications, try again shortly")
		return
	}

	session, record, err := s.admin.AssignVendor(r.Context(), id, req.VendorID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "response": record})
}

func (s *Server) handleVendors(w http.ResponseWriter, r *http.Request) {
	vendors := []vendor.Vendor{}
	if s.vendors != nil {
		if r.URL.Query().Get("all") == "true" {
			vendors = append(vendors, s.vendors.Vendors...)
		} else {
			vendors = append(vendors, s.vendors.Active()...)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vendors": vendors, "count": len(vendors)})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "polling is not configured")
		return
	}
	if !s.pollLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "a poll ran moments ago, try again shortly")
		return
	}

	summary, err := s.poller.RunOnce(r.Context())
	if err != nil {
		logging.Log.WithError(err).Warn("manual poll failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
