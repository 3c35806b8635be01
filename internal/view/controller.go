package view

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"duet/internal/logger"
	"duet/internal/models"

	"go.uber.org/zap"
)

// API is the slice of the server the controller needs, already bound to the viewer.
type API interface {
	ListMessages(ctx context.Context, counterpartID string) ([]models.Message, error)
	ListCounterparts(ctx context.Context) ([]models.ConversationSummary, error)
	MarkRead(ctx context.Context, senderID string) (models.ReadResult, error)
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var ErrNoConversation = errors.New("no conversation is open")

// Controller owns the viewer's thread and conversation list. Server events,
// API results and locally synthesized receipts all enter through Handle.
//
// While a conversation is loading, thread events are buffered and replayed
// on top of the loaded snapshot. The list keeps reducing the whole time.
type Controller struct {
	viewerID   string
	api        API
	log        *logger.Logger
	dispatcher *Dispatcher

	mu       sync.Mutex
	phase    Phase
	loadID   int
	thread   ThreadState
	sidebar  SidebarState
	buffered []models.Event
}

func NewController(viewerID string, api API, log *logger.Logger) *Controller {
	c := &Controller{
		viewerID:   viewerID,
		api:        api,
		log:        log.ForUser(viewerID).Named("view"),
		dispatcher: NewDispatcher(),
	}
	c.dispatcher.Register(c.reduceThread)
	c.dispatcher.Register(c.reduceSidebar)
	return c
}

// Refresh reloads the conversation list from the server.
func (c *Controller) Refresh(ctx context.Context) error {
	snapshot, err := c.api.ListCounterparts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	c.mu.Lock()
	c.sidebar = ReconcileSidebar(c.sidebar, snapshot)
	c.mu.Unlock()
	return nil
}

// Open switches to the conversation with counterpartID. Loading it marks
// the counterpart's messages as read on the server.
func (c *Controller) Open(ctx context.Context, counterpartID string) error {
	c.mu.Lock()
	c.loadID++
	loadID := c.loadID
	c.phase = PhaseLoading
	c.thread = NewThread(counterpartID)
	c.buffered = nil
	c.mu.Unlock()

	msgs, err := c.api.ListMessages(ctx, counterpartID)
	if err != nil {
		c.mu.Lock()
		if c.loadID == loadID {
			c.phase = PhaseIdle
			c.thread = ThreadState{}
			c.buffered = nil
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	c.mu.Lock()
	if c.loadID != loadID {
		// Another conversation was opened meanwhile.
		c.mu.Unlock()
		return nil
	}
	c.thread = ReconcileThread(c.thread, c.viewerID, msgs)
	c.phase = PhaseReady
	buffered := c.buffered
	c.buffered = nil
	for _, ev := range buffered {
		c.thread = ReduceThread(c.thread, c.viewerID, ev)
	}
	c.mu.Unlock()

	c.log.Debug("Conversation loaded",
		zap.String("counterpart_id", counterpartID),
		zap.Int("messages", len(msgs)),
		zap.Int("replayed", len(buffered)))

	// The server marked everything read before listing it.
	if receipt, ok := readReceipt(c.viewerID, counterpartID, msgs); ok {
		c.dispatcher.Dispatch(models.Event{Type: models.EventMessagesRead, Read: &receipt})
	}
	return c.readOpenThread(ctx)
}

// Close leaves the open conversation.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadID++
	c.phase = PhaseIdle
	c.thread = ThreadState{}
	c.buffered = nil
}

// Handle applies one event. A new message landing in the open conversation
// is marked read on the server right away.
func (c *Controller) Handle(ctx context.Context, ev models.Event) error {
	if ev.Type == models.EventError {
		c.log.Warn("Server reported an error", zap.String("error", ev.Error))
		return nil
	}
	c.dispatcher.Dispatch(ev)
	if ev.Type != models.EventNewMessage {
		return nil
	}
	return c.readOpenThread(ctx)
}

// readOpenThread marks the open thread read when it shows unread incoming messages.
func (c *Controller) readOpenThread(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseReady {
		c.mu.Unlock()
		return nil
	}
	counterpartID := c.thread.CounterpartID
	unread := c.thread.Unread(c.viewerID)
	c.mu.Unlock()

	if len(unread) == 0 {
		return nil
	}

	res, err := c.api.MarkRead(ctx, counterpartID)
	if err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}

	// Whatever the server flipped plus what we saw unread: all of it is read now.
	receipt := models.ReadReceipt{
		ReceiverID: c.viewerID,
		SenderID:   counterpartID,
		MessageIDs: res.MessageIDs,
		LastSeq:    res.LastSeq,
	}
	for _, m := range unread {
		receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
		receipt.LastSeq = max(receipt.LastSeq, m.Seq)
	}
	c.dispatcher.Dispatch(models.Event{Type: models.EventMessagesRead, Read: &receipt})
	return nil
}

func (c *Controller) reduceThread(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case PhaseLoading:
		c.buffered = append(c.buffered, ev)
	case PhaseReady:
		c.thread = ReduceThread(c.thread, c.viewerID, ev)
	}
}

func (c *Controller) reduceSidebar(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sidebar = ReduceSidebar(c.sidebar, c.viewerID, ev)
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Thread returns the open conversation.
func (c *Controller) Thread() (ThreadState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseIdle {
		return ThreadState{}, ErrNoConversation
	}
	return c.thread, nil
}

func (c *Controller) Conversations() []models.ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sidebar.Summaries()
}

func (c *Controller) UnreadChatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sidebar.UnreadChatCount()
}

func readReceipt(viewerID, counterpartID string, msgs []models.Message) (models.ReadReceipt, bool) {
	r := models.ReadReceipt{ReceiverID: viewerID, SenderID: counterpartID}
	for _, m := range msgs {
		if m.ReceiverID == viewerID && m.Read {
			r.MessageIDs = append(r.MessageIDs, m.ID)
			r.LastSeq = max(r.LastSeq, m.Seq)
		}
	}
	return r, len(r.MessageIDs) > 0
}
