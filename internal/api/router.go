package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/m7sim/internal/api/handlers"
	"github.com/wonny/m7sim/pkg/logger"
	"github.com/wonny/m7sim/pkg/metrics"
)

// Routes groups the handlers mounted by NewRouter
type Routes struct {
	Orders  *handlers.OrderHandler
	Health  *handlers.HealthHandler
	Session http.HandlerFunc // websocket upgrade, optional
	Metrics bool
}

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: routes are declared only in this function
func NewRouter(routes Routes, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", routes.Health.Health).Methods("GET")

	if routes.Metrics {
		r.Handle("/metrics", metrics.Handler()).Methods("GET")
	}
	if routes.Session != nil {
		r.HandleFunc("/ws", routes.Session).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", routes.Orders.Submit).Methods("POST")
	api.HandleFunc("/orders/{id}", routes.Orders.Get).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", routes.Orders.Cancel).Methods("POST")
	api.HandleFunc("/users/{userId}/orders", routes.Orders.ListByUser).Methods("GET")

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// statusRecorder captures the response status for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			if r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
