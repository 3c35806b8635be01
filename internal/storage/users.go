package storage

import (
	"fmt"

	"duet/internal/models"

	"go.etcd.io/bbolt"
)

// UpsertUser stores a new or updated user record.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := dbUserFrom(user)
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

// GetUser returns a user record, including soft-deleted ones.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: user not found", models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all user records stored in the database.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}
