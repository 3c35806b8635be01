package http

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"duet/internal/api"
	"duet/internal/logger"
	"duet/internal/ws"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type APIConfig struct {
	Addr string
	// FrontendURLs are the browser origins allowed to call the API with credentials.
	FrontendURLs []string
	RateLimit    int
	RateWindow   time.Duration
}

type APIServer struct {
	server *http.Server
	log    *logger.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(
	handlers *api.API,
	sessions api.Sessions,
	users api.ActiveUsers,
	wsServer *ws.Server,
	config APIConfig,
	log *logger.Logger,
) *APIServer {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(api.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.FrontendURLs,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", api.HealthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/images/{id}", handlers.ImageHandler)
		// The websocket handshake authenticates on its own and answers 401 itself.
		r.Get("/ws", wsServer.HandleConnections)

		r.Group(func(r chi.Router) {
			r.Use(api.RequireAuth(sessions, users))
			r.Use(api.RateLimit(config.RateLimit, config.RateWindow))
			handlers.Routes(r)
		})
	})

	addr := config.Addr
	if addr == "" {
		addr = ":8080"
	}

	// Websocket handlers run on hijacked connections that Shutdown does not
	// track, so they watch a base context cancelled on shutdown instead.
	baseCtx, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancel)

	return &APIServer{server: server, log: log.Named("api_server")}
}

func (s *APIServer) Start() error {
	s.log.Info("Server started", zap.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
