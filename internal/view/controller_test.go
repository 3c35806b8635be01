package view

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"duet/internal/chat"
	"duet/internal/directory"
	"duet/internal/events"
	"duet/internal/logger"
	"duet/internal/models"
	"duet/internal/presence"
	"duet/internal/storage"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Send(ev models.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) Close() {}

func (r *recorder) drain() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// serviceAPI binds the chat service to one viewer.
type serviceAPI struct {
	svc      *chat.Service
	viewerID string
}

func (a serviceAPI) ListMessages(ctx context.Context, counterpartID string) ([]models.Message, error) {
	return a.svc.ListMessages(ctx, a.viewerID, counterpartID)
}

func (a serviceAPI) ListCounterparts(ctx context.Context) ([]models.ConversationSummary, error) {
	return a.svc.ListCounterparts(ctx, a.viewerID)
}

func (a serviceAPI) MarkRead(ctx context.Context, senderID string) (models.ReadResult, error) {
	return a.svc.MarkRead(ctx, a.viewerID, senderID)
}

type env struct {
	db       *storage.BboltStorage
	svc      *chat.Service
	registry *presence.Registry
	users    []models.User
}

func newEnv(t *testing.T, names ...string) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "view.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.NewNop()
	dir := directory.New(ctx, db, log)
	registry := presence.NewRegistry(log)
	e := &env{
		db:       db,
		registry: registry,
		svc: chat.New(chat.Config{
			Store:        db,
			Users:        dir,
			Events:       events.NewBus(registry, log),
			Disconnector: registry,
			Logger:       log,
		}),
	}
	for _, name := range names {
		u, err := dir.Create(name, "")
		require.NoError(t, err)
		e.users = append(e.users, u)
	}
	return e
}

// withoutVersions drops store versions, which only the server can know
// after a read receipt.
func withoutVersions[T any](items []T, strip func(*T)) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i := range out {
		strip(&out[i])
	}
	return out
}

func stripMessage(m *models.Message) { m.Version = 0 }

func stripSummary(s *models.ConversationSummary) {
	if s.LastMessage != nil {
		p := *s.LastMessage
		p.Version = 0
		s.LastMessage = &p
	}
}

func TestControllerOpenMarksRead(t *testing.T) {
	e := newEnv(t, "Viewer", "Bob")
	ctx := context.Background()
	me, bob := e.users[0], e.users[1]

	for _, text := range []string{"one", "two"} {
		_, err := e.svc.Send(ctx, bob.ID, me.ID, models.SendRequest{Text: text})
		require.NoError(t, err)
	}

	c := NewController(me.ID, serviceAPI{e.svc, me.ID}, logger.NewNop())
	require.NoError(t, c.Refresh(ctx))
	require.Equal(t, 1, c.UnreadChatCount())
	require.Equal(t, 2, c.Conversations()[0].UnreadCount)

	_, err := c.Thread()
	require.ErrorIs(t, err, ErrNoConversation)

	require.NoError(t, c.Open(ctx, bob.ID))
	require.Equal(t, PhaseReady, c.Phase())
	th, err := c.Thread()
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	require.Empty(t, th.Unread(me.ID))
	require.Zero(t, c.UnreadChatCount())

	c.Close()
	require.Equal(t, PhaseIdle, c.Phase())
}

func TestControllerAutoReadsOpenConversation(t *testing.T) {
	e := newEnv(t, "Viewer", "Bob", "Carol")
	ctx := context.Background()
	me, bob, carol := e.users[0], e.users[1], e.users[2]
	inbox := &recorder{}
	e.registry.Register(me.ID, inbox)
	bobInbox := &recorder{}
	e.registry.Register(bob.ID, bobInbox)

	c := NewController(me.ID, serviceAPI{e.svc, me.ID}, logger.NewNop())
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Open(ctx, bob.ID))

	_, err := e.svc.Send(ctx, bob.ID, me.ID, models.SendRequest{Text: "ping"})
	require.NoError(t, err)
	_, err = e.svc.Send(ctx, carol.ID, me.ID, models.SendRequest{Text: "psst"})
	require.NoError(t, err)
	for _, ev := range inbox.drain() {
		require.NoError(t, c.Handle(ctx, ev))
	}

	th, err := c.Thread()
	require.NoError(t, err)
	require.Len(t, th.Messages, 1)
	require.True(t, th.Messages[0].Read)

	var receipts int
	for _, ev := range bobInbox.drain() {
		if ev.Type == models.EventMessagesRead {
			receipts++
		}
	}
	require.Equal(t, 1, receipts, "bob learns the message was read")

	count, err := e.svc.UnreadCount(ctx, me.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count, "only carol's message is left")
	require.Equal(t, 1, c.UnreadChatCount())
}

// loadingAPI delivers events while the conversation is still loading.
type loadingAPI struct {
	serviceAPI
	during func()
}

func (a loadingAPI) ListMessages(ctx context.Context, counterpartID string) ([]models.Message, error) {
	msgs, err := a.serviceAPI.ListMessages(ctx, counterpartID)
	a.during()
	return msgs, err
}

func TestControllerBuffersWhileLoading(t *testing.T) {
	e := newEnv(t, "Viewer", "Bob")
	ctx := context.Background()
	me, bob := e.users[0], e.users[1]
	inbox := &recorder{}
	e.registry.Register(me.ID, inbox)

	first, err := e.svc.Send(ctx, bob.ID, me.ID, models.SendRequest{Text: "before"})
	require.NoError(t, err)

	var c *Controller
	api := loadingAPI{serviceAPI: serviceAPI{e.svc, me.ID}}
	api.during = func() {
		require.Equal(t, PhaseLoading, c.Phase())
		_, err := e.svc.Send(ctx, bob.ID, me.ID, models.SendRequest{Text: "during"})
		require.NoError(t, err)
		_, err = e.svc.Edit(ctx, first.ID, bob.ID, "before, edited")
		require.NoError(t, err)
		for _, ev := range inbox.drain() {
			require.NoError(t, c.Handle(ctx, ev))
		}
	}
	c = NewController(me.ID, api, logger.NewNop())
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Open(ctx, bob.ID))

	th, err := c.Thread()
	require.NoError(t, err)
	require.Len(t, th.Messages, 2)
	require.Equal(t, "before, edited", th.Messages[0].Text)
	require.Equal(t, "during", th.Messages[1].Text)
	require.Empty(t, th.Unread(me.ID), "the message that raced the load is read as well")

	count, err := e.svc.UnreadCount(ctx, me.ID)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Zero(t, c.UnreadChatCount())
}

// Whatever order and however often events arrive, the controller ends up
// where a fresh load would put it.
func TestControllerConverges(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		t.Run("", func(t *testing.T) {
			testConvergence(t, seed)
		})
	}
}

func testConvergence(t *testing.T, seed uint64) {
	e := newEnv(t, "Viewer", "Bob", "Carol")
	ctx := context.Background()
	me, bob := e.users[0], e.users[1]
	ids := []string{e.users[0].ID, e.users[1].ID, e.users[2].ID}

	clock := time.UnixMilli(1_000_000)
	rng := rand.New(rand.NewPCG(seed, 99))

	inbox := &recorder{}
	e.registry.Register(me.ID, inbox)

	c := NewController(me.ID, serviceAPI{e.svc, me.ID}, logger.NewNop())
	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Open(ctx, bob.ID))

	// Results of the viewer's own requests reach the controller too.
	var own []models.Event
	var sent []models.Message
	for step := 0; step < 150; step++ {
		if rng.IntN(3) == 0 {
			clock = clock.Add(time.Millisecond)
		}
		e.db.SetClock(func() time.Time { return clock })

		a, b := ids[rng.IntN(3)], ids[rng.IntN(3)]
		if a == b {
			continue
		}
		op := rng.IntN(7)
		if len(sent) == 0 {
			op = 0
		}

		var (
			m   models.Message
			err error
			typ models.EventType
		)
		switch op {
		case 0, 1:
			m, err = e.svc.Send(ctx, a, b, models.SendRequest{Text: "m"})
			require.NoError(t, err)
			sent = append(sent, m)
			typ = models.EventMessageSent
		case 2:
			res, err := e.svc.MarkRead(ctx, a, b)
			require.NoError(t, err)
			if a == me.ID {
				own = append(own, models.Event{Type: models.EventMessagesRead, Read: &models.ReadReceipt{
					ReceiverID: a, SenderID: b, MessageIDs: res.MessageIDs, LastSeq: res.LastSeq,
				}})
			}
			continue
		default:
			target := sent[rng.IntN(len(sent))]
			a = target.SenderID
			if rng.IntN(2) == 0 {
				a = target.ReceiverID
			}
			switch op {
			case 3:
				m, err = e.svc.Pin(ctx, target.ID, a)
				typ = models.EventMessagePinned
			case 4:
				m, err = e.svc.Unpin(ctx, target.ID, a)
				typ = models.EventMessageUnpinned
			case 5:
				a = target.SenderID
				m, err = e.svc.Edit(ctx, target.ID, a, "edited")
				typ = models.EventMessageEdited
			case 6:
				a = target.SenderID
				m, err = e.svc.Delete(ctx, target.ID, a)
				typ = models.EventMessageDeleted
			}
			if err != nil {
				continue
			}
		}
		if a == me.ID {
			own = append(own, newEv(typ, m))
		}
	}

	stream := append(inbox.drain(), own...)
	rng.Shuffle(len(stream), func(i, j int) { stream[i], stream[j] = stream[j], stream[i] })
	for i, ev := range stream {
		if i == len(stream)/2 {
			require.NoError(t, c.Refresh(ctx))
		}
		require.NoError(t, c.Handle(ctx, ev))
		if rng.IntN(4) == 0 {
			require.NoError(t, c.Handle(ctx, stream[rng.IntN(i+1)]))
		}
	}
	// Receipts for the controller's own read requests go to the counterpart.
	require.Empty(t, inbox.drain())

	want, err := e.svc.ListCounterparts(ctx, me.ID)
	require.NoError(t, err)
	require.Equal(t, withoutVersions(want, stripSummary), withoutVersions(c.Conversations(), stripSummary))

	wantThread, err := e.db.ListConversation(me.ID, bob.ID)
	require.NoError(t, err)
	th, err := c.Thread()
	require.NoError(t, err)
	require.Equal(t, withoutVersions(wantThread, stripMessage), withoutVersions(th.Messages, stripMessage))
}
