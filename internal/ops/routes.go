package ops

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"letterbox/internal/broadcast"
	"letterbox/internal/letter"
	"letterbox/internal/metrics"
	"letterbox/internal/task/engine"
	logx "letterbox/pkg/logx"
)

// Letters is the letter lifecycle surface used by the admin endpoints.
type Letters interface {
	Stats(ctx context.Context) (map[letter.Status]int, error)
	Reschedule(ctx context.Context, id string, at time.Time, isPublic *bool) (letter.Letter, error)
	FixEncryptionLayering(ctx context.Context) (letter.FixReport, error)
}

type Queue interface {
	QueueStats(ctx context.Context) (map[string]engine.Stats, error)
	JobStatus(ctx context.Context, id string) (engine.Record, error)
}

type Broadcasts interface {
	List(ctx context.Context, activeOnly bool) ([]broadcast.Schedule, error)
	Create(ctx context.Context, in broadcast.ScheduleInput) (broadcast.Schedule, error)
	Update(ctx context.Context, id string, p broadcast.SchedulePatch) (broadcast.Schedule, error)
	Delete(ctx context.Context, id string) error
	Schedule(ctx context.Context, m broadcast.Message) (broadcast.Scheduled, error)
	Status(jobID string) (broadcast.JobStatus, bool)
}

type Deps struct {
	Letters    Letters
	Queue      Queue
	Broadcasts Broadcasts
	// Health adds component details to /healthz. Optional.
	Health func() map[string]any
}

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Handle("/metrics", promhttp.Handler())
		r.With(s.pprofGate).Mount("/debug", middleware.Profiler())

		r.Route("/admin", func(r chi.Router) {
			r.Get("/queue/stats", s.queueStats)
			r.Get("/jobs/{id}", s.jobStatus)

			r.Get("/letters/stats", s.letterStats)
			r.Post("/letters/{id}/reschedule", s.reschedule)
			r.Post("/maintenance/fix-encryption", s.fixEncryption)

			r.Route("/broadcasts", func(r chi.Router) {
				r.Post("/", s.scheduleBroadcast)
				r.Get("/jobs/{id}", s.broadcastJob)
				r.Get("/schedules", s.listSchedules)
				r.Post("/schedules", s.createSchedule)
				r.Put("/schedules/{id}", s.updateSchedule)
				r.Delete("/schedules/{id}", s.deleteSchedule)
			})
		})
	})
	return r
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>. An empty
// token disables the check; the listener is then loopback-only.
func (s *Service) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			s.log.Debug("ops request rejected", logx.String("path", r.URL.Path), logx.String("remote", r.RemoteAddr))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) pprofGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		on := s.cfg.Pprof
		s.mu.Unlock()
		if !on {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
	})
}
