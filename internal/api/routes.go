package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"device-sync-service/internal/config"
	"device-sync-service/internal/logger"
	"device-sync-service/internal/sync"
)

type Handler struct {
	syncManager *sync.Manager
	cfg         config.ServerConfig
}

func NewHandler(manager *sync.Manager, cfg config.ServerConfig) *Handler {
	return &Handler{
		syncManager: manager,
		cfg:         cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Route("/changes", func(r chi.Router) {
			r.Get("/", h.ListChanges)
			r.Post("/", h.QueueChange)
			r.Post("/remote", h.IngestRemoteChange)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/trigger", h.TriggerSync)
			r.Post("/pause", h.PauseSync)
			r.Post("/resume", h.ResumeSync)
			r.Post("/foreground", h.Foreground)
			r.Get("/status", h.GetSyncStatus)
			r.Get("/history", h.GetSyncHistory)
		})

		r.Put("/network", h.SetNetworkStatus)

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Delete("/resolved", h.ClearResolvedConflicts)
			r.Get("/{id}", h.GetConflict)
			r.Post("/{id}/resolve", h.ResolveConflict)
		})

		r.Get("/devices", h.ListDevices)

		r.Get("/debug/snapshot", h.ExportSnapshot)
		r.Post("/debug/snapshot", h.ImportSnapshot)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// CorsMiddleware allows the configured origins, or any origin when none are
// configured.
func (h *Handler) CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := h.allowedOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOrigin(origin string) string {
	if len(h.cfg.CorsOrigins) == 0 {
		return "*"
	}
	for _, o := range h.cfg.CorsOrigins {
		if o == "*" || o == origin {
			return o
		}
	}
	return ""
}

// AuthMiddleware requires "Authorization: Bearer <token>" when an auth token
// is configured.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token != h.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		logger.Log.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestID", middleware.GetReqID(r.Context())),
		)
	})
}
