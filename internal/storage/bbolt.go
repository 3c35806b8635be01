package storage

import (
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers      = []byte("users")
	bucketMessages   = []byte("messages")
	bucketMessageIDs = []byte("message_ids")
	bucketPairs      = []byte("pairs")
	bucketContacts   = []byte("contacts")
	bucketUnread     = []byte("unread")
	bucketFiles      = []byte("files")
)

// BboltStorage is the durable record of users, messages and uploaded files.
// Every mutation runs in a single bbolt write transaction. bbolt allows one
// writer at a time, so each operation observes and changes a message atomically.
type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketMessages,
			bucketMessageIDs,
			bucketPairs,
			bucketContacts,
			bucketUnread,
			bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

// SetClock replaces the time source used for message timestamps.
func (s *BboltStorage) SetClock(now func() time.Time) {
	s.now = now
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// getDMKey returns the deterministic key of the unordered pair {u1, u2}.
func getDMKey(u1, u2 string) []byte {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return []byte(fmt.Sprintf("dm_%s_%s", ids[0], ids[1]))
}
