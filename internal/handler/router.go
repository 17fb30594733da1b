package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"regulatory-dbkit/internal/metrics"
	"regulatory-dbkit/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *StatusHandler, m *metrics.Collector) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLog)
	r.Use(middleware.Metrics(m))

	// ルート定義
	r.Get("/healthz", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/migrations", h.ListMigrations)
		r.Get("/migrations/pending", h.ListPendingMigrations)
		r.Get("/integrity", h.Integrity)
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	return otelhttp.NewHandler(r, "status-server")
}
