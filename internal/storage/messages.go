package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"duet/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var present = []byte{1}

// NewMessage is a message ready to be persisted. Image is an already stored media reference.
type NewMessage struct {
	SenderID   string
	ReceiverID string
	Text       string
	Image      string
	ReplyTo    string
}

// SendMessage persists a new message and returns the canonical record with
// the server-assigned id, sequence number and creation timestamp.
func (s *BboltStorage) SendMessage(nm NewMessage) (models.Message, error) {
	if strings.TrimSpace(nm.Text) == "" && nm.Image == "" {
		return models.Message{}, fmt.Errorf("%w: message must have text or image", models.ErrValidation)
	}
	if nm.SenderID == "" || nm.ReceiverID == "" {
		return models.Message{}, fmt.Errorf("%w: sender and receiver are required", models.ErrValidation)
	}

	var result models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)

		if nm.ReplyTo != "" {
			target, err := loadMessage(tx, nm.ReplyTo)
			if err != nil {
				return err
			}
			if !target.toModel().Between(nm.SenderID, nm.ReceiverID) {
				return fmt.Errorf("%w: reply target belongs to another conversation", models.ErrValidation)
			}
		}

		seq, err := msgBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		// Creation time never goes backwards, even if the wall clock does.
		createdAt := s.now().UnixMilli()
		if k, v := msgBucket.Cursor().Last(); k != nil {
			var last DBMessage
			if err := last.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal last message: %w", err)
			}
			if last.CreatedAt > createdAt {
				createdAt = last.CreatedAt
			}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate message id: %w", err)
		}

		dbMessage := &DBMessage{
			ID:         id.String(),
			Seq:        int64(seq),
			SenderID:   nm.SenderID,
			ReceiverID: nm.ReceiverID,
			Text:       nm.Text,
			Image:      nm.Image,
			ReplyTo:    nm.ReplyTo,
			CreatedAt:  createdAt,
			Version:    1,
		}
		if err := putMessage(tx, dbMessage); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIDs).Put([]byte(dbMessage.ID), dbMessage.Key()); err != nil {
			return fmt.Errorf("failed to index message id: %w", err)
		}

		// Per-pair index keeps conversation order by sequence.
		pairBucket, err := tx.Bucket(bucketPairs).CreateBucketIfNotExists(getDMKey(nm.SenderID, nm.ReceiverID))
		if err != nil {
			return fmt.Errorf("failed to create pair bucket: %w", err)
		}
		if err := pairBucket.Put(dbMessage.Key(), present); err != nil {
			return err
		}

		contacts := tx.Bucket(bucketContacts)
		for _, edge := range [][2]string{{nm.SenderID, nm.ReceiverID}, {nm.ReceiverID, nm.SenderID}} {
			b, err := contacts.CreateBucketIfNotExists([]byte(edge[0]))
			if err != nil {
				return fmt.Errorf("failed to create contacts bucket: %w", err)
			}
			if err := b.Put([]byte(edge[1]), present); err != nil {
				return err
			}
		}

		unread, err := tx.Bucket(bucketUnread).CreateBucketIfNotExists([]byte(nm.ReceiverID))
		if err != nil {
			return fmt.Errorf("failed to create unread bucket: %w", err)
		}
		if err := unread.Put(dbMessage.Key(), []byte(nm.SenderID)); err != nil {
			return err
		}

		result = dbMessage.toModel()
		return nil
	})
	return result, err
}

// GetMessage returns the canonical record of a message.
func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var result models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		m, err := loadMessage(tx, id)
		if err != nil {
			return err
		}
		result = m.toModel()
		return nil
	})
	return result, err
}

// ListConversation returns every message between a and b, oldest first.
// Soft-deleted messages are included with their payload cleared.
func (s *BboltStorage) ListConversation(a, b string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		pairBucket := tx.Bucket(bucketPairs).Bucket(getDMKey(a, b))
		if pairBucket == nil {
			return nil
		}
		msgBucket := tx.Bucket(bucketMessages)
		return pairBucket.ForEach(func(k, _ []byte) error {
			var m DBMessage
			if err := m.UnmarshalBinary(msgBucket.Get(k)); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, m.toModel())
			return nil
		})
	})
	return messages, err
}

// PinnedMessages returns the pinned messages of the pair, most recently pinned first.
func (s *BboltStorage) PinnedMessages(a, b string) ([]models.Message, error) {
	all, err := s.ListConversation(a, b)
	if err != nil {
		return nil, err
	}
	pinned := []models.Message{}
	for _, m := range all {
		if m.Pinned {
			pinned = append(pinned, m)
		}
	}
	sort.SliceStable(pinned, func(i, j int) bool {
		if pinned[i].PinnedAt != pinned[j].PinnedAt {
			return pinned[i].PinnedAt > pinned[j].PinnedAt
		}
		return pinned[i].Seq > pinned[j].Seq
	})
	return pinned, nil
}

// MarkRead flips every message from senderID to receiverID that is unread at
// the moment the transaction starts. Messages committed afterwards are untouched.
// It returns the updated records in conversation order.
func (s *BboltStorage) MarkRead(receiverID, senderID string) ([]models.Message, error) {
	updated := []models.Message{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		unread := tx.Bucket(bucketUnread).Bucket([]byte(receiverID))
		if unread == nil {
			return nil
		}

		var keys [][]byte
		c := unread.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == senderID {
				keys = append(keys, append([]byte(nil), k...))
			}
		}

		msgBucket := tx.Bucket(bucketMessages)
		for _, k := range keys {
			var m DBMessage
			if err := m.UnmarshalBinary(msgBucket.Get(k)); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			m.Read = true
			m.Version++
			if err := putMessage(tx, &m); err != nil {
				return err
			}
			if err := unread.Delete(k); err != nil {
				return err
			}
			updated = append(updated, m.toModel())
		}
		return nil
	})
	return updated, err
}

// UnreadCount returns the number of unread messages addressed to receiverID.
func (s *BboltStorage) UnreadCount(receiverID string) (int, error) {
	stats, err := s.UnreadStats(receiverID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, st := range stats {
		total += st.Count
	}
	return total, nil
}

// UnreadCounts returns unread message counts addressed to receiverID keyed by sender.
func (s *BboltStorage) UnreadCounts(receiverID string) (map[string]int, error) {
	stats, err := s.UnreadStats(receiverID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(stats))
	for sender, st := range stats {
		counts[sender] = st.Count
	}
	return counts, nil
}

// UnreadStats returns, per sender, how many messages to receiverID are
// unread and the sequence of the oldest one.
func (s *BboltStorage) UnreadStats(receiverID string) (map[string]models.UnreadStat, error) {
	stats := make(map[string]models.UnreadStat)
	err := s.db.View(func(tx *bbolt.Tx) error {
		unread := tx.Bucket(bucketUnread).Bucket([]byte(receiverID))
		if unread == nil {
			return nil
		}
		// Keys are big-endian sequences, so the first key per sender is the oldest.
		return unread.ForEach(func(k, v []byte) error {
			st := stats[string(v)]
			if st.Count == 0 {
				st.FirstSeq = keySeq(k)
			}
			st.Count++
			stats[string(v)] = st
			return nil
		})
	})
	return stats, err
}

// ConversationHeads returns the newest message exchanged with every counterpart of viewerID.
func (s *BboltStorage) ConversationHeads(viewerID string) (map[string]models.Message, error) {
	heads := make(map[string]models.Message)
	err := s.db.View(func(tx *bbolt.Tx) error {
		contacts := tx.Bucket(bucketContacts).Bucket([]byte(viewerID))
		if contacts == nil {
			return nil
		}
		pairs := tx.Bucket(bucketPairs)
		msgBucket := tx.Bucket(bucketMessages)
		return contacts.ForEach(func(k, _ []byte) error {
			counterpartID := string(k)
			pairBucket := pairs.Bucket(getDMKey(viewerID, counterpartID))
			if pairBucket == nil {
				return nil
			}
			last, _ := pairBucket.Cursor().Last()
			if last == nil {
				return nil
			}
			var m DBMessage
			if err := m.UnmarshalBinary(msgBucket.Get(last)); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			heads[counterpartID] = m.toModel()
			return nil
		})
	})
	return heads, err
}

// PinMessage pins a message on behalf of either participant. The flag reports
// whether the record changed, here and in the other mutators.
func (s *BboltStorage) PinMessage(id, actorID string) (models.Message, bool, error) {
	return s.mutate(id, func(m *DBMessage) (bool, error) {
		if m.SenderID != actorID && m.ReceiverID != actorID {
			return false, fmt.Errorf("%w: not authorized to pin this message", models.ErrForbidden)
		}
		if m.Deleted {
			return false, fmt.Errorf("%w: cannot pin a deleted message", models.ErrAlreadyDeleted)
		}
		m.Pinned = true
		m.PinnedBy = actorID
		m.PinnedAt = s.now().UnixMilli()
		return true, nil
	})
}

// UnpinMessage unpins a message on behalf of either participant. Unpinning a
// message that is not pinned leaves it untouched.
func (s *BboltStorage) UnpinMessage(id, actorID string) (models.Message, bool, error) {
	return s.mutate(id, func(m *DBMessage) (bool, error) {
		if m.SenderID != actorID && m.ReceiverID != actorID {
			return false, fmt.Errorf("%w: not authorized to unpin this message", models.ErrForbidden)
		}
		if m.Deleted {
			return false, fmt.Errorf("%w: cannot unpin a deleted message", models.ErrAlreadyDeleted)
		}
		if !m.Pinned {
			return false, nil
		}
		m.Pinned = false
		m.PinnedBy = ""
		m.PinnedAt = 0
		return true, nil
	})
}

// EditMessage replaces the text of a message. Only the sender may edit, and
// only messages that carry text.
func (s *BboltStorage) EditMessage(id, actorID, text string) (models.Message, bool, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, false, fmt.Errorf("%w: text cannot be empty", models.ErrValidation)
	}
	return s.mutate(id, func(m *DBMessage) (bool, error) {
		if m.SenderID != actorID {
			return false, fmt.Errorf("%w: only the sender can edit this message", models.ErrForbidden)
		}
		if m.Deleted {
			return false, fmt.Errorf("%w: cannot edit a deleted message", models.ErrAlreadyDeleted)
		}
		if m.Text == "" {
			return false, fmt.Errorf("%w: only text messages can be edited", models.ErrValidation)
		}
		m.Text = text
		m.Edited = true
		m.EditedAt = s.now().UnixMilli()
		return true, nil
	})
}

// DeleteMessage soft-deletes a message: the payload is cleared, pin state is
// dropped and the record stays in place. Deleting twice is a no-op.
func (s *BboltStorage) DeleteMessage(id, actorID string) (models.Message, bool, error) {
	return s.mutate(id, func(m *DBMessage) (bool, error) {
		if m.SenderID != actorID {
			return false, fmt.Errorf("%w: only the sender can delete this message", models.ErrForbidden)
		}
		if m.Deleted {
			return false, nil
		}
		m.Deleted = true
		m.DeletedAt = s.now().UnixMilli()
		m.Text = ""
		m.Image = ""
		m.Pinned = false
		m.PinnedBy = ""
		m.PinnedAt = 0
		return true, nil
	})
}

// mutate loads a message, applies fn and stores the result with a bumped
// version when fn reports a change. The returned flag is fn's report.
func (s *BboltStorage) mutate(id string, fn func(m *DBMessage) (bool, error)) (models.Message, bool, error) {
	var (
		result  models.Message
		changed bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		m, err := loadMessage(tx, id)
		if err != nil {
			return err
		}
		changed, err = fn(m)
		if err != nil {
			return err
		}
		if changed {
			m.Version++
			if err := putMessage(tx, m); err != nil {
				return err
			}
		}
		result = m.toModel()
		return nil
	})
	return result, changed, err
}

func loadMessage(tx *bbolt.Tx, id string) (*DBMessage, error) {
	key := tx.Bucket(bucketMessageIDs).Get([]byte(id))
	if key == nil {
		return nil, fmt.Errorf("%w: message not found", models.ErrNotFound)
	}
	data := tx.Bucket(bucketMessages).Get(key)
	if data == nil {
		return nil, errors.New("message index points to a missing record")
	}
	var m DBMessage
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

func putMessage(tx *bbolt.Tx, m *DBMessage) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := tx.Bucket(bucketMessages).Put(m.Key(), data); err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}
	return nil
}
