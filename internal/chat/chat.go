// Package chat is the direct-messaging core: it persists every action in the
// message store and then pushes the canonical record to the counterpart.
package chat

import (
	"context"
	"fmt"
	"strings"

	"duet/internal/content"
	"duet/internal/directory"
	"duet/internal/index"
	"duet/internal/logger"
	"duet/internal/metrics"
	"duet/internal/models"
	"duet/internal/storage"
	"duet/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store is the message store. Implemented by storage.BboltStorage.
type Store interface {
	SendMessage(nm storage.NewMessage) (models.Message, error)
	GetMessage(id string) (models.Message, error)
	ListConversation(a, b string) ([]models.Message, error)
	PinnedMessages(a, b string) ([]models.Message, error)
	MarkRead(receiverID, senderID string) ([]models.Message, error)
	UnreadCount(receiverID string) (int, error)
	UnreadCounts(receiverID string) (map[string]int, error)
	UnreadStats(receiverID string) (map[string]models.UnreadStat, error)
	ConversationHeads(viewerID string) (map[string]models.Message, error)
	PinMessage(id, actorID string) (models.Message, bool, error)
	UnpinMessage(id, actorID string) (models.Message, bool, error)
	EditMessage(id, actorID, text string) (models.Message, bool, error)
	DeleteMessage(id, actorID string) (models.Message, bool, error)
}

// Users is the user directory. Implemented by directory.Directory.
type Users interface {
	Get(id string) (models.User, error)
	GetActive(id string) (models.User, error)
	List() ([]models.User, error)
	Search(viewerID, query string) ([]models.User, error)
	UpdateProfile(id string, changes directory.ProfileChanges) (models.User, error)
	SoftDelete(id string) (models.User, error)
}

// Publisher pushes events to live connections. Implemented by events.Bus.
type Publisher interface {
	NewMessage(m models.Message) bool
	MessagesRead(r models.ReadReceipt) bool
	MessagePinned(m models.Message, actorID string) bool
	MessageUnpinned(m models.Message, actorID string) bool
	MessageEdited(m models.Message) bool
	MessageDeleted(m models.Message) bool
	ProfileUpdated(p models.ProfileUpdate) int
}

// Images stores raw image payloads and returns their URL. Implemented by media.Service.
type Images interface {
	SaveDataURL(userID, payload string) (string, error)
}

// Disconnector drops the live connection of a user. Implemented by presence.Registry.
type Disconnector interface {
	Disconnect(userID string) bool
}

// ProfileRequest carries the profile fields a user wants to change.
// ProfilePic is an image payload or an already stored image URL.
type ProfileRequest struct {
	FullName    *string `json:"fullName,omitempty"`
	ProfilePic  *string `json:"profilePic,omitempty"`
	Description *string `json:"description,omitempty"`
}

type Service struct {
	store  Store
	users  Users
	events Publisher
	images Images
	conns  Disconnector
	tracer trace.Tracer
	log    *logger.Logger
}

type Config struct {
	Store        Store
	Users        Users
	Events       Publisher
	Images       Images
	Disconnector Disconnector
	Logger       *logger.Logger
}

func New(config Config) *Service {
	return &Service{
		store:  config.Store,
		users:  config.Users,
		events: config.Events,
		images: config.Images,
		conns:  config.Disconnector,
		tracer: tracing.Tracer("chat"),
		log:    config.Logger.Named("chat"),
	}
}

func (s *Service) start(ctx context.Context, name, userID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("user.id", userID)))
}

// Send persists a message from senderID to receiverID and notifies the receiver.
func (s *Service) Send(ctx context.Context, senderID, receiverID string, req models.SendRequest) (msg models.Message, err error) {
	_, span := s.start(ctx, "chat.Send", senderID)
	defer func() { tracing.End(span, err) }()

	if receiverID == "" {
		return models.Message{}, fmt.Errorf("%w: receiver is required", models.ErrValidation)
	}
	if senderID == receiverID {
		return models.Message{}, fmt.Errorf("%w: cannot send a message to yourself", models.ErrValidation)
	}
	if _, err := s.users.GetActive(senderID); err != nil {
		return models.Message{}, err
	}
	if _, err := s.users.GetActive(receiverID); err != nil {
		return models.Message{}, err
	}

	if err := content.ValidateText(req.Text); err != nil {
		return models.Message{}, err
	}
	text := content.Sanitize(req.Text)
	if strings.TrimSpace(text) == "" {
		text = ""
	}
	if text == "" && strings.TrimSpace(req.Image) == "" {
		return models.Message{}, fmt.Errorf("%w: message must have text or image", models.ErrValidation)
	}

	var image string
	if req.Image != "" {
		image, err = s.images.SaveDataURL(senderID, req.Image)
		if err != nil {
			return models.Message{}, err
		}
	}

	msg, err = s.store.SendMessage(storage.NewMessage{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Image:      image,
		ReplyTo:    req.ReplyTo,
	})
	if err != nil {
		return models.Message{}, err
	}

	metrics.MessagesTotal.WithLabelValues(messageKind(msg)).Inc()
	s.log.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("sender_id", senderID),
		zap.String("receiver_id", receiverID),
	)
	s.events.NewMessage(msg)
	return msg, nil
}

// ListMessages returns the conversation of viewerID with counterpartID,
// marking everything the counterpart sent as read first.
func (s *Service) ListMessages(ctx context.Context, viewerID, counterpartID string) (msgs []models.Message, err error) {
	ctx, span := s.start(ctx, "chat.ListMessages", viewerID)
	defer func() { tracing.End(span, err) }()

	if _, err := s.users.Get(counterpartID); err != nil {
		return nil, err
	}
	if _, err := s.MarkRead(ctx, viewerID, counterpartID); err != nil {
		return nil, err
	}
	return s.store.ListConversation(viewerID, counterpartID)
}

// MarkRead marks every unread message from senderID to receiverID as read
// and sends a receipt to senderID when anything changed.
func (s *Service) MarkRead(ctx context.Context, receiverID, senderID string) (res models.ReadResult, err error) {
	_, span := s.start(ctx, "chat.MarkRead", receiverID)
	defer func() { tracing.End(span, err) }()

	if senderID == "" {
		return models.ReadResult{}, fmt.Errorf("%w: sender is required", models.ErrValidation)
	}
	updated, err := s.store.MarkRead(receiverID, senderID)
	metrics.RecordMutation("read", err)
	if err != nil {
		return models.ReadResult{}, err
	}
	res = models.ReadResult{UpdatedCount: len(updated), MessageIDs: make([]string, 0, len(updated))}
	for _, m := range updated {
		res.MessageIDs = append(res.MessageIDs, m.ID)
		res.LastSeq = max(res.LastSeq, m.Seq)
	}
	if len(updated) > 0 {
		s.events.MessagesRead(models.ReadReceipt{
			ReceiverID: receiverID,
			SenderID:   senderID,
			MessageIDs: res.MessageIDs,
			LastSeq:    res.LastSeq,
		})
	}
	return res, nil
}

func (s *Service) Pin(ctx context.Context, messageID, actorID string) (msg models.Message, err error) {
	_, span := s.start(ctx, "chat.Pin", actorID)
	defer func() { tracing.End(span, err) }()

	msg, changed, err := s.store.PinMessage(messageID, actorID)
	metrics.RecordMutation("pin", err)
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.events.MessagePinned(msg, actorID)
	}
	return msg, nil
}

func (s *Service) Unpin(ctx context.Context, messageID, actorID string) (msg models.Message, err error) {
	_, span := s.start(ctx, "chat.Unpin", actorID)
	defer func() { tracing.End(span, err) }()

	msg, changed, err := s.store.UnpinMessage(messageID, actorID)
	metrics.RecordMutation("unpin", err)
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.events.MessageUnpinned(msg, actorID)
	}
	return msg, nil
}

func (s *Service) Edit(ctx context.Context, messageID, actorID, text string) (msg models.Message, err error) {
	_, span := s.start(ctx, "chat.Edit", actorID)
	defer func() { tracing.End(span, err) }()

	if err := content.ValidateText(text); err != nil {
		return models.Message{}, err
	}
	msg, changed, err := s.store.EditMessage(messageID, actorID, content.Sanitize(text))
	metrics.RecordMutation("edit", err)
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.events.MessageEdited(msg)
	}
	return msg, nil
}

func (s *Service) Delete(ctx context.Context, messageID, actorID string) (msg models.Message, err error) {
	_, span := s.start(ctx, "chat.Delete", actorID)
	defer func() { tracing.End(span, err) }()

	msg, changed, err := s.store.DeleteMessage(messageID, actorID)
	metrics.RecordMutation("delete", err)
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.events.MessageDeleted(msg)
	}
	return msg, nil
}

// PinnedMessages lists the pinned messages shared by viewerID and counterpartID.
func (s *Service) PinnedMessages(ctx context.Context, viewerID, counterpartID string) (msgs []models.Message, err error) {
	_, span := s.start(ctx, "chat.PinnedMessages", viewerID)
	defer func() { tracing.End(span, err) }()

	return s.store.PinnedMessages(viewerID, counterpartID)
}

func (s *Service) UnreadCount(ctx context.Context, viewerID string) (n int, err error) {
	_, span := s.start(ctx, "chat.UnreadCount", viewerID)
	defer func() { tracing.End(span, err) }()

	return s.store.UnreadCount(viewerID)
}

// ListCounterparts returns the conversation list of viewerID.
func (s *Service) ListCounterparts(ctx context.Context, viewerID string) (list []models.ConversationSummary, err error) {
	_, span := s.start(ctx, "chat.ListCounterparts", viewerID)
	defer func() { tracing.End(span, err) }()

	users, err := s.users.List()
	if err != nil {
		return nil, err
	}
	heads, err := s.store.ConversationHeads(viewerID)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.UnreadStats(viewerID)
	if err != nil {
		return nil, err
	}
	return index.Compute(viewerID, users, heads, unread), nil
}

// SearchCounterparts finds active users by name, with their unread count for viewerID.
func (s *Service) SearchCounterparts(ctx context.Context, viewerID, query string) (result []models.UserSummary, err error) {
	_, span := s.start(ctx, "chat.SearchCounterparts", viewerID)
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: search query is required", models.ErrValidation)
	}
	users, err := s.users.Search(viewerID, query)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.UnreadCounts(viewerID)
	if err != nil {
		return nil, err
	}
	result = make([]models.UserSummary, 0, len(users))
	for _, u := range users {
		result = append(result, models.UserSummary{User: u, UnreadCount: unread[u.ID]})
	}
	return result, nil
}

// Me returns the caller's own record.
func (s *Service) Me(ctx context.Context, userID string) (models.User, error) {
	return s.users.GetActive(userID)
}

// UpdateProfile changes the caller's public profile and broadcasts it.
func (s *Service) UpdateProfile(ctx context.Context, userID string, req ProfileRequest) (user models.User, err error) {
	_, span := s.start(ctx, "chat.UpdateProfile", userID)
	defer func() { tracing.End(span, err) }()

	if req.FullName == nil && req.ProfilePic == nil && req.Description == nil {
		return models.User{}, fmt.Errorf("%w: no valid fields to update", models.ErrValidation)
	}

	changes := directory.ProfileChanges{
		FullName:    req.FullName,
		Description: req.Description,
	}
	if req.ProfilePic != nil {
		// An empty picture clears the avatar.
		url := ""
		if strings.TrimSpace(*req.ProfilePic) != "" {
			url, err = s.images.SaveDataURL(userID, *req.ProfilePic)
			if err != nil {
				return models.User{}, err
			}
		}
		changes.ProfilePic = &url
	}

	user, err = s.users.UpdateProfile(userID, changes)
	if err != nil {
		return models.User{}, err
	}
	s.events.ProfileUpdated(models.ProfileUpdate{
		UserID:      user.ID,
		ProfilePic:  user.ProfilePic,
		FullName:    user.FullName,
		Description: user.Description,
	})
	return user, nil
}

// DeleteAccount soft-deletes the caller's account. confirmation must read
// "<full name> Delete". Authored messages stay visible to counterparts.
func (s *Service) DeleteAccount(ctx context.Context, userID, confirmation string) (err error) {
	_, span := s.start(ctx, "chat.DeleteAccount", userID)
	defer func() { tracing.End(span, err) }()

	user, err := s.users.GetActive(userID)
	if err != nil {
		return err
	}
	expected := user.FullName + " Delete"
	if confirmation != expected {
		return fmt.Errorf("%w: please type %q to confirm account deletion", models.ErrValidation, expected)
	}

	deleted, err := s.users.SoftDelete(userID)
	if err != nil {
		return err
	}
	if s.conns != nil {
		s.conns.Disconnect(userID)
	}

	anon := directory.Anonymize(deleted)
	s.events.ProfileUpdated(models.ProfileUpdate{
		UserID:      anon.ID,
		ProfilePic:  anon.ProfilePic,
		FullName:    anon.FullName,
		Description: anon.Description,
	})
	s.log.Info("account deleted", zap.String("user_id", userID))
	return nil
}

func messageKind(m models.Message) string {
	switch {
	case m.Text != "" && m.Image != "":
		return "text_image"
	case m.Image != "":
		return "image"
	default:
		return "text"
	}
}
