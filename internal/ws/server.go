package ws

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"duet/internal/logger"
	"duet/internal/metrics"
	"duet/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultReadLimit = 8 << 20

type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

type Users interface {
	GetActive(id string) (models.User, error)
}

type Config struct {
	// AllowedOrigins lists extra browser origins besides the server's own host.
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	// ReadLimit caps a single client frame in bytes. Image payloads travel inline.
	ReadLimit int64
	Keepalive Keepalive
}

type Server struct {
	auth     Authenticator
	users    Users
	hub      *Hub
	config   Config
	upgrader *websocket.Upgrader
	log      *logger.Logger
}

func NewServer(auth Authenticator, users Users, hub *Hub, config Config, log *logger.Logger) *Server {
	if config.ReadLimit == 0 {
		config.ReadLimit = defaultReadLimit
	}
	if config.MessagesPerSecond == 0 {
		config.MessagesPerSecond = 10
	}
	if config.Burst == 0 {
		config.Burst = 20
	}
	s := &Server{
		auth:   auth,
		users:  users,
		hub:    hub,
		config: config,
		log:    log.Named("ws"),
	}
	s.upgrader = &websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.config.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.users.GetActive(userID); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Error upgrading to websocket", zap.String("user_id", userID), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.config.ReadLimit)

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	limiter := rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), s.config.Burst)
	conn := NewConnection(s.hub, ws, userID, limiter, s.config.Keepalive, s.log)
	s.log.Info("Connection opened", zap.String("user_id", userID), zap.String("remote_addr", r.RemoteAddr))

	err = conn.Handle(r.Context())
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("Connection ended with error", zap.String("user_id", userID), zap.Error(err))
	}
	s.log.Info("Connection closed", zap.String("user_id", userID))
}
