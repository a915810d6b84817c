// Package httpapi serves the timeline over HTTP: schedule CRUD, resolution
// queries, the asset catalog and health.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"signboard/internal/assets"
	"signboard/internal/mutation"
	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the handlers need. Mutations, Store and Catalog
// are required.
type Deps struct {
	Mutations *mutation.Service
	Store     *schedule.Store
	Catalog   assets.Catalog
	Log       logx.Logger

	// FutureItems is the default page of upcoming entries; read per request
	// so config reloads apply immediately.
	FutureItems func() int
	// Health renders the /healthz document; false answers 503.
	Health func() (any, bool)
	// Recent backs /api/diagnostics/logs when set.
	Recent *logx.Recent
	// Mounts are extra handlers such as the websocket endpoint.
	Mounts map[string]http.Handler
	Pprof  bool
}

type api struct {
	Deps
}

// NewRouter builds the chi router for d.
func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "http"))
	if d.FutureItems == nil {
		d.FutureItems = func() int { return 5 }
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Route("/api", func(r chi.Router) {
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", a.listSchedules)
			r.Post("/", a.createSchedule)
			r.Get("/{id}", a.getSchedule)
			r.Put("/{id}", a.updateSchedule)
			r.Delete("/{id}", a.deleteSchedule)
		})
		r.Get("/viewer/current", a.viewerCurrent)
		r.Get("/assets", a.listAssets)
		r.Get("/assets/*", a.getAsset)
		r.Get("/diagnostics/logs", a.recentLogs)
	})
	for path, h := range d.Mounts {
		r.Handle(path, h)
	}
	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// requestLogger logs one line per request through logx.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case status >= 500:
				log.Error("http request", fields...)
			case strings.HasPrefix(r.URL.Path, "/healthz"):
				log.Trace("http request", fields...)
			default:
				log.Debug("http request", fields...)
			}
		})
	}
}
