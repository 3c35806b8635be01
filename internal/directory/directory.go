// Package directory is the user directory: display names, avatars and the
// soft-delete flag of every account.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"duet/internal/content"
	"duet/internal/logger"
	"duet/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DeletedUserName = "Deleted user"
	cacheTTL        = 5 * time.Minute
)

// Store is the persistence the directory needs. Implemented by storage.BboltStorage.
type Store interface {
	UpsertUser(user models.User) error
	GetUser(id string) (models.User, error)
	ListUsers() ([]models.User, error)
}

// ProfileChanges holds the fields a user may change. Nil fields stay as they are.
type ProfileChanges struct {
	FullName    *string
	ProfilePic  *string
	Description *string
}

type Directory struct {
	store Store
	cache geche.Geche[string, models.User]
	// Serializes read-modify-write of user records.
	mu  sync.Mutex
	now func() time.Time
	log *logger.Logger
}

func New(ctx context.Context, store Store, log *logger.Logger) *Directory {
	return &Directory{
		store: store,
		cache: geche.NewMapTTLCache[string, models.User](ctx, cacheTTL, time.Minute),
		now:   time.Now,
		log:   log.Named("directory"),
	}
}

// Create registers a new account.
func (d *Directory) Create(fullName, email string) (models.User, error) {
	fullName = strings.TrimSpace(content.SanitizePlain(fullName))
	if err := content.ValidateDisplayName(fullName); err != nil {
		return models.User{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.User{}, fmt.Errorf("failed to generate user id: %w", err)
	}
	user := models.User{
		ID:        id.String(),
		FullName:  fullName,
		Email:     strings.TrimSpace(email),
		CreatedAt: d.now().UnixMilli(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.UpsertUser(user); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}
	d.cache.Set(user.ID, user)
	d.log.Info("user created", zap.String("user_id", user.ID))
	return user, nil
}

// Get returns the stored record, including soft-deleted accounts.
func (d *Directory) Get(id string) (models.User, error) {
	if user, err := d.cache.Get(id); err == nil {
		return user, nil
	}
	user, err := d.store.GetUser(id)
	if err != nil {
		return models.User{}, err
	}
	d.cache.Set(id, user)
	return user, nil
}

// GetActive returns the record of an account that has not been deleted.
func (d *Directory) GetActive(id string) (models.User, error) {
	user, err := d.Get(id)
	if err != nil {
		return models.User{}, err
	}
	if user.Deleted {
		return models.User{}, fmt.Errorf("%w: user not found", models.ErrNotFound)
	}
	return user, nil
}

// Profile returns the user as other people should see it.
func (d *Directory) Profile(id string) (models.User, error) {
	user, err := d.Get(id)
	if err != nil {
		return models.User{}, err
	}
	return Anonymize(user), nil
}

// List returns every account ordered by join time.
func (d *Directory) List() ([]models.User, error) {
	users, err := d.store.ListUsers()
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt != users[j].CreatedAt {
			return users[i].CreatedAt < users[j].CreatedAt
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// Search returns active accounts other than viewerID whose name contains
// query, ignoring case. An empty query matches everyone.
func (d *Directory) Search(viewerID, query string) ([]models.User, error) {
	users, err := d.List()
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	matches := []models.User{}
	for _, u := range users {
		if u.ID == viewerID || u.Deleted {
			continue
		}
		if strings.Contains(strings.ToLower(u.FullName), query) {
			matches = append(matches, u)
		}
	}
	return matches, nil
}

// UpdateProfile applies changes to an active account.
func (d *Directory) UpdateProfile(id string, changes ProfileChanges) (models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, err := d.store.GetUser(id)
	if err != nil {
		return models.User{}, err
	}
	if user.Deleted {
		return models.User{}, fmt.Errorf("%w: user not found", models.ErrNotFound)
	}

	if changes.FullName != nil {
		name := strings.TrimSpace(content.SanitizePlain(*changes.FullName))
		if err := content.ValidateDisplayName(name); err != nil {
			return models.User{}, err
		}
		user.FullName = name
	}
	if changes.Description != nil {
		description := strings.TrimSpace(content.SanitizePlain(*changes.Description))
		if err := content.ValidateDescription(description); err != nil {
			return models.User{}, err
		}
		user.Description = description
	}
	if changes.ProfilePic != nil {
		user.ProfilePic = *changes.ProfilePic
	}

	if err := d.store.UpsertUser(user); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}
	d.cache.Set(id, user)
	return user, nil
}

// SoftDelete marks an account deleted. The record and its messages stay.
func (d *Directory) SoftDelete(id string) (models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, err := d.store.GetUser(id)
	if err != nil {
		return models.User{}, err
	}
	if user.Deleted {
		return user, nil
	}
	user.Deleted = true
	user.DeletedAt = d.now().UnixMilli()
	if err := d.store.UpsertUser(user); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}
	d.cache.Set(id, user)
	d.log.Info("user deleted", zap.String("user_id", id))
	return user, nil
}

// Anonymize hides the identity of a deleted account. Active users are returned unchanged.
func Anonymize(u models.User) models.User {
	if !u.Deleted {
		return u
	}
	return models.User{
		ID:        u.ID,
		FullName:  DeletedUserName,
		CreatedAt: u.CreatedAt,
		Deleted:   true,
		DeletedAt: u.DeletedAt,
	}
}
