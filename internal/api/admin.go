package api

import (
	"fmt"
	"net/http"
	"strings"

	"duet/internal/logger"
	"duet/internal/models"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Accounts creates and looks up users. Implemented by directory.Directory.
type Accounts interface {
	Create(fullName, email string) (models.User, error)
	GetActive(id string) (models.User, error)
}

// TokenIssuer signs session tokens. Implemented by auth.AuthService.
type TokenIssuer interface {
	Issue(userID string) (string, int64, error)
}

// AdminHandler serves the account provisioning API. It is mounted on the
// admin listener only and has no authentication of its own.
type AdminHandler struct {
	accounts Accounts
	tokens   TokenIssuer
	log      *logger.Logger
}

func NewAdminHandler(accounts Accounts, tokens TokenIssuer, log *logger.Logger) *AdminHandler {
	return &AdminHandler{accounts: accounts, tokens: tokens, log: log.Named("admin")}
}

type AddUserRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email,omitempty"`
}

// TokenResponse carries a freshly issued session token.
type TokenResponse struct {
	User      models.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt int64       `json:"expiresAt"` // Unix seconds
}

func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/admin/users", h.AddUserHandler)
	r.Post("/admin/users/{id}/token", h.IssueTokenHandler)
}

// AddUserHandler creates an account and returns a session token for it.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, PublicMessage(err))
		return
	}
	if strings.TrimSpace(req.FullName) == "" {
		writeError(w, http.StatusBadRequest, "Full name is required")
		return
	}

	user, err := h.accounts.Create(req.FullName, req.Email)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.issue(w, user, http.StatusCreated)
}

// IssueTokenHandler signs a new session token for an existing account.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.accounts.GetActive(chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.issue(w, user, http.StatusOK)
}

func (h *AdminHandler) issue(w http.ResponseWriter, user models.User, status int) {
	token, expiresAt, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.writeFailure(w, fmt.Errorf("failed to issue token: %w", err))
		return
	}
	h.log.Info("token issued", zap.String("user_id", user.ID))
	writeJSON(w, status, TokenResponse{User: user, Token: token, ExpiresAt: expiresAt})
}

func (h *AdminHandler) writeFailure(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("admin request failed", zap.Error(err))
	}
	writeError(w, status, PublicMessage(err))
}

// HealthHandler handles GET /health.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
