// Package events delivers realtime notifications to connected users.
// Delivery is fire-and-forget: an offline or slow receiver simply misses
// the event and catches up on its next full fetch.
package events

import (
	"duet/internal/logger"
	"duet/internal/metrics"
	"duet/internal/models"
	"duet/internal/presence"

	"go.uber.org/zap"
)

// Registry is the part of the presence registry the bus needs.
type Registry interface {
	Lookup(userID string) (presence.Handle, bool)
	Broadcast(ev models.Event) int
}

type Bus struct {
	registry Registry
	log      *logger.Logger
}

func NewBus(registry Registry, log *logger.Logger) *Bus {
	return &Bus{registry: registry, log: log.Named("events")}
}

// Publish delivers ev to targetID and reports whether it was queued.
func (b *Bus) Publish(targetID string, ev models.Event) bool {
	h, ok := b.registry.Lookup(targetID)
	if !ok {
		metrics.EventsDropped.WithLabelValues(string(ev.Type), "offline").Inc()
		b.log.Debug("event dropped, target offline", zap.String("target", targetID), zap.String("type", string(ev.Type)))
		return false
	}
	if !h.Send(ev) {
		metrics.EventsDropped.WithLabelValues(string(ev.Type), "buffer_full").Inc()
		b.log.Debug("event dropped, target not keeping up", zap.String("target", targetID), zap.String("type", string(ev.Type)))
		return false
	}
	metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
	return true
}

// NewMessage goes to the receiver only.
func (b *Bus) NewMessage(m models.Message) bool {
	return b.Publish(m.ReceiverID, messageEvent(models.EventNewMessage, m))
}

// MessagesRead goes to the original sender of the messages.
func (b *Bus) MessagesRead(r models.ReadReceipt) bool {
	return b.Publish(r.SenderID, models.Event{Type: models.EventMessagesRead, Read: &r})
}

// MessagePinned goes to the participant who did not pin.
func (b *Bus) MessagePinned(m models.Message, actorID string) bool {
	return b.Publish(m.Counterpart(actorID), messageEvent(models.EventMessagePinned, m))
}

// MessageUnpinned goes to the participant who did not unpin.
func (b *Bus) MessageUnpinned(m models.Message, actorID string) bool {
	return b.Publish(m.Counterpart(actorID), messageEvent(models.EventMessageUnpinned, m))
}

// MessageEdited goes to the receiver, the sender has the result of its own action.
func (b *Bus) MessageEdited(m models.Message) bool {
	return b.Publish(m.ReceiverID, messageEvent(models.EventMessageEdited, m))
}

func (b *Bus) MessageDeleted(m models.Message) bool {
	return b.Publish(m.ReceiverID, messageEvent(models.EventMessageDeleted, m))
}

// ProfileUpdated is broadcast to every connection.
func (b *Bus) ProfileUpdated(p models.ProfileUpdate) int {
	n := b.registry.Broadcast(models.Event{Type: models.EventProfileUpdated, Profile: &p})
	metrics.EventsDelivered.WithLabelValues(string(models.EventProfileUpdated)).Add(float64(n))
	return n
}

func messageEvent(t models.EventType, m models.Message) models.Event {
	return models.Event{Type: t, Message: &m}
}
