package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"langexchange-backend/internal/api/handlers"
)

const serviceName = "langexchange-backend"

type Dependencies struct {
	QueueHandler *handlers.QueueHandler
	// Authenticate guards the REST routes; the websocket route authenticates
	// itself before upgrading.
	Authenticate func(http.Handler) http.Handler
	WebSocket    http.HandlerFunc
	Health       func(ctx context.Context) error
	Logger       *log.Logger
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger.WithPrefix("HTTP")))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, body := http.StatusOK, map[string]string{"status": "ok", "service": serviceName}
		if deps.Health != nil {
			if err := deps.Health(ctx); err != nil {
				status, body["status"] = http.StatusServiceUnavailable, "unavailable"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))

		r.Get("/languages", handlers.Languages)

		r.Group(func(r chi.Router) {
			r.Use(deps.Authenticate)
			r.Post("/queue", deps.QueueHandler.JoinQueue)
			r.Delete("/queue", deps.QueueHandler.LeaveQueue)
			r.Get("/queue/status", deps.QueueHandler.QueueStatus)
		})
	})

	r.Get("/ws", deps.WebSocket)

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"bytes", ww.BytesWritten(), "req", middleware.GetReqID(r.Context()), "duration", time.Since(start))
		})
	}
}
