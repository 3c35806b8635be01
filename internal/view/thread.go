// Package view maintains a client's local picture of its conversations: the
// open thread and the conversation list. Reducers are pure and tolerate
// duplicated and reordered events, so the local state converges with what a
// fresh load from the server would return.
package view

import (
	"slices"
	"sort"

	"duet/internal/models"
)

// ThreadState is the open conversation between the viewer and CounterpartID,
// ordered by store sequence.
type ThreadState struct {
	CounterpartID string
	Messages      []models.Message

	// Everything at or below these sequences is known to be read.
	incomingRead int64
	outgoingRead int64
}

// NewThread starts an empty thread with counterpartID.
func NewThread(counterpartID string) ThreadState {
	return ThreadState{CounterpartID: counterpartID}
}

// ReduceThread folds one event into the thread. Events for other
// conversations leave it untouched. The input state is not modified.
func ReduceThread(s ThreadState, viewerID string, ev models.Event) ThreadState {
	if s.CounterpartID == "" {
		return s
	}
	switch ev.Type {
	case models.EventNewMessage, models.EventMessageSent,
		models.EventMessagePinned, models.EventMessageUnpinned,
		models.EventMessageEdited, models.EventMessageDeleted:
		if ev.Message == nil || !ev.Message.Between(viewerID, s.CounterpartID) {
			return s
		}
		return s.upsert(viewerID, *ev.Message)
	case models.EventMessagesRead:
		if ev.Read == nil {
			return s
		}
		return s.receipt(viewerID, *ev.Read)
	}
	return s
}

// ReconcileThread merges a freshly loaded conversation with local state.
// Local records newer than the snapshot survive.
func ReconcileThread(local ThreadState, viewerID string, snapshot []models.Message) ThreadState {
	s := ThreadState{
		CounterpartID: local.CounterpartID,
		incomingRead:  local.incomingRead,
		outgoingRead:  local.outgoingRead,
	}
	for _, m := range snapshot {
		s = s.upsert(viewerID, m)
	}
	for _, m := range local.Messages {
		s = s.upsert(viewerID, m)
	}
	return s
}

// Pinned returns the pinned messages of the thread in conversation order.
func (s ThreadState) Pinned() []models.Message {
	var out []models.Message
	for _, m := range s.Messages {
		if m.Pinned && !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

// Unread returns the incoming messages the viewer has not read yet.
func (s ThreadState) Unread(viewerID string) []models.Message {
	var out []models.Message
	for _, m := range s.Messages {
		if m.UnreadFor(viewerID) {
			out = append(out, m)
		}
	}
	return out
}

func (s ThreadState) upsert(viewerID string, m models.Message) ThreadState {
	out := s
	out.Messages = slices.Clone(s.Messages)

	if m.Read {
		// A read message implies every earlier one from the same sender is read too.
		if m.ReceiverID == viewerID {
			out.incomingRead = max(out.incomingRead, m.Seq)
		} else {
			out.outgoingRead = max(out.outgoingRead, m.Seq)
		}
	}

	i := slices.IndexFunc(out.Messages, func(x models.Message) bool { return x.ID == m.ID })
	if i >= 0 {
		out.Messages[i] = merge(out.Messages[i], m)
	} else {
		pos := sort.Search(len(out.Messages), func(j int) bool { return out.Messages[j].Seq > m.Seq })
		out.Messages = slices.Insert(out.Messages, pos, m)
	}

	out.applyWatermarks(viewerID)
	return out
}

func (s ThreadState) receipt(viewerID string, r models.ReadReceipt) ThreadState {
	var incoming bool
	switch {
	case r.ReceiverID == viewerID && r.SenderID == s.CounterpartID:
		incoming = true
	case r.SenderID == viewerID && r.ReceiverID == s.CounterpartID:
	default:
		return s
	}

	out := s
	out.Messages = slices.Clone(s.Messages)
	if incoming {
		out.incomingRead = max(out.incomingRead, r.LastSeq)
	} else {
		out.outgoingRead = max(out.outgoingRead, r.LastSeq)
	}
	for i, m := range out.Messages {
		if slices.Contains(r.MessageIDs, m.ID) {
			out.Messages[i].Read = true
		}
	}
	out.applyWatermarks(viewerID)
	return out
}

// applyWatermarks must only be called on a state that owns its Messages slice.
func (s *ThreadState) applyWatermarks(viewerID string) {
	for i, m := range s.Messages {
		if m.Read {
			continue
		}
		if m.ReceiverID == viewerID && m.Seq <= s.incomingRead {
			s.Messages[i].Read = true
		}
		if m.SenderID == viewerID && m.Seq <= s.outgoingRead {
			s.Messages[i].Read = true
		}
	}
}

// merge combines two copies of the same message. The higher version wins,
// while read, edited and deleted never revert once seen.
func merge(a, b models.Message) models.Message {
	out := a
	if b.Version > a.Version {
		out = b
	}
	out.Read = a.Read || b.Read
	if !out.Edited && (a.Edited || b.Edited) {
		out.Edited = true
		out.EditedAt = max(a.EditedAt, b.EditedAt)
	}
	if a.Deleted || b.Deleted {
		out.Deleted = true
		out.DeletedAt = max(a.DeletedAt, b.DeletedAt)
		out.Text = ""
		out.Image = ""
		out.Pinned = false
		out.PinnedBy = ""
		out.PinnedAt = 0
	}
	return out
}
