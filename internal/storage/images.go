package storage

import (
	"fmt"

	"duet/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// FileMetadata describes a stored image. ID is the hex sha256 of the bytes,
// UserID the account that uploaded them first.
type FileMetadata struct {
	ID        string `msgpack:"id"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

// PutFileMetadata records meta unless an image with the same hash is known
// already, and returns the stored record either way.
func (s *BboltStorage) PutFileMetadata(meta FileMetadata) (FileMetadata, error) {
	stored := meta
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		if data := b.Get([]byte(meta.ID)); data != nil {
			return msgpack.Unmarshal(data, &stored)
		}
		data, err := msgpack.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return b.Put([]byte(meta.ID), data)
	})
	return stored, err
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: image not found", models.ErrNotFound)
		}
		return msgpack.Unmarshal(data, &meta)
	})
	return meta, err
}
