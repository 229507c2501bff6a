package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/metrics"
	"github.com/opensource-finance/churnwatch/internal/pipeline"
)

// Deps are the collaborators of the API. Only Pipeline is required.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Metrics  *metrics.Metrics
	Version  string
}

// Server is the churnwatch HTTP API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	http    *http.Server
}

// NewServer wires the routes for every pipeline operation onto a chi router.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(LimitBody)
	router.Use(SnapshotMiddleware(deps.Pipeline))
	router.Use(middleware.Compress(5, "application/json", "text/csv"))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Get("/snapshot", handler.GetSnapshot)
	router.Post("/snapshot/refresh", handler.RefreshSnapshot)

	router.Route("/runs", func(r chi.Router) {
		r.Post("/", handler.CreateRun)
		r.Get("/", handler.ListRuns)
		r.Post("/current/threshold", handler.Rethreshold)
		r.Get("/{id}", handler.GetRun)
		r.Get("/{id}/high-risk", handler.HighRisk)
		r.Get("/{id}/export", handler.Export)
	})

	router.Route("/report", func(r chi.Router) {
		r.Get("/", handler.Report)
		r.Get("/kpis", handler.KPIs)
		r.Get("/crosstab", handler.Crosstab)
		r.Get("/tenure", handler.Tenure)
		r.Get("/charges", handler.Charges)
		r.Get("/distribution", handler.Distribution)
	})

	router.Route("/segments", func(r chi.Router) {
		r.Get("/", handler.ListSegments)
		r.Post("/", handler.CreateSegment)
		r.Get("/{id}", handler.GetSegment)
		r.Delete("/{id}", handler.DeleteSegment)
		r.Get("/{id}/members", handler.SegmentMembers)
	})

	return &Server{
		router:  router,
		handler: handler,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Addr is the address Start listens on.
func (s *Server) Addr() string { return s.http.Addr }

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the routes so tests can drive them without a listener.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) Handler() *Handler { return s.handler }
