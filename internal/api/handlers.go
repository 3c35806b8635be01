// Package api exposes the chat over HTTP. Handlers are thin: they decode the
// request, call the chat service with the caller's id and map errors to statuses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"duet/internal/auth"
	"duet/internal/chat"
	"duet/internal/logger"
	"duet/internal/models"
	"duet/internal/storage"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Chat is the part of chat.Service the handlers use.
type Chat interface {
	ListCounterparts(ctx context.Context, viewerID string) ([]models.ConversationSummary, error)
	SearchCounterparts(ctx context.Context, viewerID, query string) ([]models.UserSummary, error)
	UnreadCount(ctx context.Context, viewerID string) (int, error)
	ListMessages(ctx context.Context, viewerID, counterpartID string) ([]models.Message, error)
	PinnedMessages(ctx context.Context, viewerID, counterpartID string) ([]models.Message, error)
	Send(ctx context.Context, senderID, receiverID string, req models.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, receiverID, senderID string) (models.ReadResult, error)
	Pin(ctx context.Context, messageID, actorID string) (models.Message, error)
	Unpin(ctx context.Context, messageID, actorID string) (models.Message, error)
	Edit(ctx context.Context, messageID, actorID, text string) (models.Message, error)
	Delete(ctx context.Context, messageID, actorID string) (models.Message, error)
	Me(ctx context.Context, userID string) (models.User, error)
	UpdateProfile(ctx context.Context, userID string, req chat.ProfileRequest) (models.User, error)
	DeleteAccount(ctx context.Context, userID, confirmation string) error
}

// Images stores and serves uploaded images. Implemented by media.Service.
type Images interface {
	Save(userID string, r io.Reader) (string, error)
	Open(hash string) (io.ReadCloser, storage.FileMetadata, error)
}

type API struct {
	chat     Chat
	images   Images
	sessions Sessions
	log      *logger.Logger
}

func New(chat Chat, images Images, sessions Sessions, log *logger.Logger) *API {
	return &API{chat: chat, images: images, sessions: sessions, log: log.Named("api")}
}

// Routes mounts the authenticated endpoints on r. The caller installs RequireAuth.
func (a *API) Routes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Get("/users", a.ConversationsHandler)
		r.Get("/search", a.SearchHandler)
		r.Get("/unread", a.UnreadHandler)
		r.Get("/pinned/{id}", a.PinnedHandler)
		r.Get("/{id}", a.MessagesHandler)
		r.Post("/send/{id}", a.SendHandler)
		r.Put("/read/{senderId}", a.MarkReadHandler)
		r.Put("/pin/{messageId}", a.PinHandler)
		r.Put("/unpin/{messageId}", a.UnpinHandler)
		r.Put("/edit/{messageId}", a.EditHandler)
		r.Delete("/delete/{messageId}", a.DeleteHandler)
	})
	r.Route("/auth", func(r chi.Router) {
		r.Get("/check", a.CheckHandler)
		r.Put("/update-profile", a.UpdateProfileHandler)
		r.Delete("/delete-account", a.DeleteAccountHandler)
	})
	r.Post("/users/me/avatar", a.UploadAvatarHandler)
}

// fail writes err as a JSON error. Unexpected errors are logged, never shown.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("user_id", auth.UserIDFromContext(r.Context())),
			zap.Error(err))
	}
	writeError(w, status, PublicMessage(err))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", models.ErrValidation)
	}
	return nil
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.chat.ListCounterparts(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) SearchHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.chat.SearchCounterparts(r.Context(), auth.UserIDFromContext(r.Context()), r.URL.Query().Get("query"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.chat.UnreadCount(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"totalUnreadCount": n})
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.chat.ListMessages(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) PinnedHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.chat.PinnedMessages(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	msg, err := a.chat.Send(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	res, err := a.chat.MarkRead(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "senderId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type messageOp func(ctx context.Context, messageID, actorID string) (models.Message, error)

func (a *API) mutate(op messageOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := op(r.Context(), chi.URLParam(r, "messageId"), auth.UserIDFromContext(r.Context()))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (a *API) PinHandler(w http.ResponseWriter, r *http.Request) {
	a.mutate(a.chat.Pin)(w, r)
}

func (a *API) UnpinHandler(w http.ResponseWriter, r *http.Request) {
	a.mutate(a.chat.Unpin)(w, r)
}

func (a *API) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	a.mutate(a.chat.Delete)(w, r)
}

func (a *API) EditHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	msg, err := a.chat.Edit(r.Context(), chi.URLParam(r, "messageId"), auth.UserIDFromContext(r.Context()), req.Text)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) CheckHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.chat.Me(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req chat.ProfileRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	user, err := a.chat.UpdateProfile(r.Context(), auth.UserIDFromContext(r.Context()), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfirmationText string `json:"confirmationText"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.chat.DeleteAccount(r.Context(), auth.UserIDFromContext(r.Context()), req.ConfirmationText); err != nil {
		a.fail(w, r, err)
		return
	}

	if token, err := auth.TokenFromRequest(r); err == nil {
		if err := a.sessions.Revoke(token); err != nil {
			a.log.Warn("failed to revoke token of deleted account", zap.Error(err))
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Account deleted successfully"})
}

// UploadAvatarHandler stores the raw request body as the caller's profile picture.
func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	url, err := a.images.Save(userID, r.Body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.chat.UpdateProfile(r.Context(), userID, chat.ProfileRequest{ProfilePic: &url}); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"avatarUrl": url})
}

// ImageHandler serves a stored image. Image URLs are content addressed, so
// responses never change.
func (a *API) ImageHandler(w http.ResponseWriter, r *http.Request) {
	rc, meta, err := a.images.Open(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Image not found")
			return
		}
		a.fail(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		a.log.Debug("failed to stream image", zap.String("id", meta.ID), zap.Error(err))
	}
}
