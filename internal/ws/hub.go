package ws

import (
	"context"
	"fmt"

	"duet/internal/logger"
	"duet/internal/models"
	"duet/internal/presence"

	"go.uber.org/zap"
)

// Chat is the part of the chat service reachable over the websocket.
type Chat interface {
	Send(ctx context.Context, senderID, receiverID string, req models.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, receiverID, senderID string) (models.ReadResult, error)
}

type Registry interface {
	Register(userID string, h presence.Handle)
	Unregister(userID string, h presence.Handle) bool
}

// Hub connects websocket sessions to the presence registry and the chat service.
type Hub struct {
	chat     Chat
	registry Registry
	log      *logger.Logger
}

func NewHub(chat Chat, registry Registry, log *logger.Logger) *Hub {
	return &Hub{
		chat:     chat,
		registry: registry,
		log:      log.Named("hub"),
	}
}

func (h *Hub) Join(userID string, conn *Connection) {
	h.registry.Register(userID, conn)
	h.log.Info("User joined", zap.String("user_id", userID))
}

func (h *Hub) Leave(userID string, conn *Connection) {
	if h.registry.Unregister(userID, conn) {
		h.log.Info("User left", zap.String("user_id", userID))
	}
}

// Dispatch executes a client frame on behalf of userID. A successful send
// is acknowledged with the canonical message. Read receipts reach the
// counterpart through the event bus and need no reply.
func (h *Hub) Dispatch(ctx context.Context, userID string, msg models.ClientMessage) (*models.Event, error) {
	switch msg.Type {
	case models.ClientMessageTypeSend:
		if msg.SenderID != "" && msg.SenderID != userID {
			return nil, fmt.Errorf("%w: cannot send on behalf of another user", models.ErrForbidden)
		}
		m, err := h.chat.Send(ctx, userID, msg.ReceiverID, models.SendRequest{
			Text:    msg.Text,
			Image:   msg.Image,
			ReplyTo: msg.ReplyTo,
		})
		if err != nil {
			return nil, err
		}
		return &models.Event{Type: models.EventMessageSent, Message: &m}, nil

	case models.ClientMessageTypeMarkRead:
		if msg.ReceiverID != "" && msg.ReceiverID != userID {
			return nil, fmt.Errorf("%w: cannot mark messages read for another user", models.ErrForbidden)
		}
		res, err := h.chat.MarkRead(ctx, userID, msg.SenderID)
		if err != nil {
			return nil, err
		}
		return &models.Event{Type: models.EventMessagesRead, Read: &models.ReadReceipt{
			ReceiverID: userID,
			SenderID:   msg.SenderID,
			MessageIDs: res.MessageIDs,
			LastSeq:    res.LastSeq,
		}}, nil
	}

	return nil, fmt.Errorf("%w: unknown message type %q", models.ErrValidation, msg.Type)
}
