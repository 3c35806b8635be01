package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"duet/internal/api"
	"duet/internal/logger"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AdminServer serves account provisioning, health and metrics. It must only
// listen on a private address.
type AdminServer struct {
	server *http.Server
	log    *logger.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(admin *api.AdminHandler, addr string, log *logger.Logger) *AdminServer {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/health", api.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(api.Logging(log))
		admin.Routes(r)
	})

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log.Named("admin_server"),
	}
}

func (s *AdminServer) Start() error {
	s.log.Info("Admin API started", zap.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
