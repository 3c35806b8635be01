package storage

import (
	"encoding"
	"encoding/binary"

	"duet/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	FullName    string `msgpack:"fullName"`
	Email       string `msgpack:"email"`
	ProfilePic  string `msgpack:"profilePic"`
	Description string `msgpack:"description"`
	CreatedAt   int64  `msgpack:"createdAt"`
	Deleted     bool   `msgpack:"deleted"`
	DeletedAt   int64  `msgpack:"deletedAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func dbUserFrom(u models.User) DBUser {
	return DBUser{
		ID:          u.ID,
		FullName:    u.FullName,
		Email:       u.Email,
		ProfilePic:  u.ProfilePic,
		Description: u.Description,
		CreatedAt:   u.CreatedAt,
		Deleted:     u.Deleted,
		DeletedAt:   u.DeletedAt,
	}
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		FullName:    u.FullName,
		Email:       u.Email,
		ProfilePic:  u.ProfilePic,
		Description: u.Description,
		CreatedAt:   u.CreatedAt,
		Deleted:     u.Deleted,
		DeletedAt:   u.DeletedAt,
	}
}

type DBMessage struct {
	ID         string `msgpack:"id"`
	Seq        int64  `msgpack:"seq"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Text       string `msgpack:"text"`
	Image      string `msgpack:"image"`
	ReplyTo    string `msgpack:"replyTo"`
	Read       bool   `msgpack:"read"`
	Pinned     bool   `msgpack:"pinned"`
	PinnedBy   string `msgpack:"pinnedBy"`
	PinnedAt   int64  `msgpack:"pinnedAt"`
	Edited     bool   `msgpack:"edited"`
	EditedAt   int64  `msgpack:"editedAt"`
	Deleted    bool   `msgpack:"deleted"`
	DeletedAt  int64  `msgpack:"deletedAt"`
	CreatedAt  int64  `msgpack:"createdAt"`
	Version    int64  `msgpack:"version"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:         m.ID,
		Seq:        m.Seq,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		Image:      m.Image,
		ReplyTo:    m.ReplyTo,
		Read:       m.Read,
		Pinned:     m.Pinned,
		PinnedBy:   m.PinnedBy,
		PinnedAt:   m.PinnedAt,
		Edited:     m.Edited,
		EditedAt:   m.EditedAt,
		Deleted:    m.Deleted,
		DeletedAt:  m.DeletedAt,
		CreatedAt:  m.CreatedAt,
		Version:    m.Version,
	}
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func keySeq(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
