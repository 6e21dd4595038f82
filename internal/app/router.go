package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/expenseflow/expenseflow/internal/company"
	"github.com/expenseflow/expenseflow/internal/directory"
	"github.com/expenseflow/expenseflow/internal/expense"
	"github.com/expenseflow/expenseflow/internal/observability"
	"github.com/expenseflow/expenseflow/internal/platform/httpx"
	"github.com/expenseflow/expenseflow/jobs"
)

// RouterParams wires handlers and shared infrastructure into the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	Pool  *pgxpool.Pool
	Redis *redis.Client

	ExpenseHandler   *expense.Handler
	CompanyHandler   *company.Handler
	DirectoryHandler *directory.Handler
	JobHandler       *jobs.Handler
}

// NewRouter builds the chi router with the full middleware stack and all
// module routes mounted.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  p.Logger,
		Config:  p.Config,
		Metrics: p.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		type componentStatus struct {
			Postgres string `json:"postgres"`
			Redis    string `json:"redis"`
		}
		status := componentStatus{Postgres: "ok", Redis: "ok"}
		code := http.StatusOK
		if p.Pool != nil {
			if err := p.Pool.Ping(req.Context()); err != nil {
				status.Postgres = "down"
				code = http.StatusServiceUnavailable
			}
		}
		if p.Redis != nil {
			if err := p.Redis.Ping(req.Context()).Err(); err != nil {
				status.Redis = "down"
				code = http.StatusServiceUnavailable
			}
		}
		httpx.JSON(w, code, status)
	})

	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	}

	rateLimit := 60
	if p.Config != nil {
		rateLimit = p.Config.DecisionRateLimit
	}

	r.Route("/expenses", func(r chi.Router) {
		r.Use(DecisionRateLimiter(rateLimit))
		p.ExpenseHandler.MountRoutes(r)
	})
	r.Route("/companies", func(r chi.Router) {
		p.CompanyHandler.MountRoutes(r)
	})
	r.Route("/users", func(r chi.Router) {
		p.DirectoryHandler.MountRoutes(r)
	})
	if p.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			p.JobHandler.MountRoutes(r)
		})
	}

	return r
}
