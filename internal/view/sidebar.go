package view

import (
	"maps"
	"slices"

	"duet/internal/index"
	"duet/internal/models"
)

// SidebarState is the viewer's conversation list.
type SidebarState struct {
	entries []entry
}

type entry struct {
	summary models.ConversationSummary

	// Sequence of the pair's newest message when the snapshot was taken.
	// Unread messages at or below it are covered by base.
	watermark int64
	base      int
	baseFirst int64

	readUpTo int64
	pending  map[string]int64 // unread incoming message id -> seq, newer than watermark
}

// NewSidebar builds the list from a server snapshot.
func NewSidebar(snapshot []models.ConversationSummary) SidebarState {
	return ReconcileSidebar(SidebarState{}, snapshot)
}

// Summaries returns the list in display order.
func (s SidebarState) Summaries() []models.ConversationSummary {
	out := make([]models.ConversationSummary, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.view())
	}
	return out
}

// UnreadChatCount is the number of conversations with unread messages.
func (s SidebarState) UnreadChatCount() int {
	return index.UnreadChats(s.Summaries())
}

// ReduceSidebar folds one event into the list. The input state is not modified.
func ReduceSidebar(s SidebarState, viewerID string, ev models.Event) SidebarState {
	switch ev.Type {
	case models.EventNewMessage, models.EventMessageSent,
		models.EventMessagePinned, models.EventMessageUnpinned,
		models.EventMessageEdited, models.EventMessageDeleted:
		m := ev.Message
		if m == nil || !m.Involves(viewerID) || m.SenderID == m.ReceiverID {
			return s
		}
		return s.update(m.Counterpart(viewerID), func(e *entry) {
			e.applyMessage(viewerID, *m)
		})
	case models.EventMessagesRead:
		r := ev.Read
		// Receipts about the viewer's own messages do not change the list.
		if r == nil || r.ReceiverID != viewerID {
			return s
		}
		return s.update(r.SenderID, func(e *entry) {
			e.applyRead(r.LastSeq)
		})
	case models.EventProfileUpdated:
		if ev.Profile == nil {
			return s
		}
		out := SidebarState{entries: slices.Clone(s.entries)}
		for i := range out.entries {
			index.ApplyProfile(&out.entries[i].summary, *ev.Profile)
		}
		return out
	}
	return s
}

// ReconcileSidebar replaces local state with a fresh snapshot, keeping what
// the client learned that the snapshot cannot know about yet.
func ReconcileSidebar(local SidebarState, snapshot []models.ConversationSummary) SidebarState {
	out := SidebarState{entries: make([]entry, 0, len(snapshot))}
	seen := make(map[string]bool, len(snapshot))
	for _, summary := range snapshot {
		e := entry{
			summary:   summary,
			base:      summary.UnreadCount,
			baseFirst: summary.FirstUnreadSeq,
			pending:   map[string]int64{},
		}
		if summary.LastMessage != nil {
			e.watermark = summary.LastMessage.Seq
		}
		if prev, ok := local.find(summary.ID); ok {
			e.absorb(prev)
		}
		out.entries = append(out.entries, e)
		seen[summary.ID] = true
	}
	for _, prev := range local.entries {
		if !seen[prev.summary.ID] && prev.summary.LastMessage != nil {
			out.entries = append(out.entries, prev.clone())
		}
	}
	out.sort()
	return out
}

func (s SidebarState) find(id string) (entry, bool) {
	for _, e := range s.entries {
		if e.summary.ID == id {
			return e, true
		}
	}
	return entry{}, false
}

func (s SidebarState) update(counterpartID string, fn func(e *entry)) SidebarState {
	out := SidebarState{entries: slices.Clone(s.entries)}
	i := slices.IndexFunc(out.entries, func(e entry) bool { return e.summary.ID == counterpartID })
	if i < 0 {
		out.entries = append(out.entries, entry{
			summary: models.ConversationSummary{User: models.User{ID: counterpartID}},
			pending: map[string]int64{},
		})
		i = len(out.entries) - 1
	} else {
		out.entries[i] = out.entries[i].clone()
	}
	fn(&out.entries[i])
	out.sort()
	return out
}

func (s *SidebarState) sort() {
	slices.SortStableFunc(s.entries, func(a, b entry) int {
		switch {
		case index.Less(a.summary, b.summary):
			return -1
		case index.Less(b.summary, a.summary):
			return 1
		}
		return 0
	})
}

func (e entry) clone() entry {
	e.pending = maps.Clone(e.pending)
	if e.pending == nil {
		e.pending = map[string]int64{}
	}
	return e
}

func (e entry) view() models.ConversationSummary {
	out := e.summary
	out.UnreadCount = e.base
	out.FirstUnreadSeq = 0
	if e.base > 0 {
		out.FirstUnreadSeq = e.baseFirst
	}
	for _, seq := range e.pending {
		out.UnreadCount++
		if out.FirstUnreadSeq == 0 || seq < out.FirstUnreadSeq {
			out.FirstUnreadSeq = seq
		}
	}
	return out
}

func (e *entry) applyMessage(viewerID string, m models.Message) {
	index.Advance(&e.summary, index.Project(m))

	if m.ReceiverID != viewerID {
		return
	}
	if m.Read {
		e.applyRead(m.Seq)
		return
	}
	if m.Seq > e.watermark && m.Seq > e.readUpTo {
		e.pending[m.ID] = m.Seq
	}
}

// applyRead records that every incoming message up to seq is read. A read-all
// flips the whole backlog, so reaching the oldest snapshot unread clears it.
func (e *entry) applyRead(seq int64) {
	e.readUpTo = max(e.readUpTo, seq)
	if e.base > 0 && seq >= e.baseFirst {
		e.base = 0
	}
	for id, s := range e.pending {
		if s <= seq {
			delete(e.pending, id)
		}
	}
}

// absorb carries local knowledge from an older entry into a fresh snapshot entry.
func (e *entry) absorb(prev entry) {
	if head := prev.summary.LastMessage; head != nil {
		index.Advance(&e.summary, head)
	}
	for id, seq := range prev.pending {
		if seq > e.watermark {
			e.pending[id] = seq
		}
	}
	if prev.readUpTo > 0 {
		e.applyRead(prev.readUpTo)
	}
}
