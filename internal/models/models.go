package models

import "errors"

var (
	ErrValidation     = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrAlreadyDeleted = errors.New("message already deleted")
)

// User represents an account known to the user directory.
type User struct {
	ID          string `json:"id"`
	FullName    string `json:"fullName"`
	Email       string `json:"email,omitempty"`
	ProfilePic  string `json:"profilePic"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"` // Unix milliseconds
	Deleted     bool   `json:"deleted,omitempty"`
	DeletedAt   int64  `json:"deletedAt,omitempty"`
}

// UserSummary is a search result entry.
type UserSummary struct {
	User
	UnreadCount int `json:"unreadCount"`
}

// Message represents a direct message between two users.
// All timestamps are Unix milliseconds, zero means unset.
type Message struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"` // Store-assigned insertion order
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text,omitempty"`
	Image      string `json:"image,omitempty"`
	ReplyTo    string `json:"replyTo,omitempty"`
	Read       bool   `json:"read"`
	Pinned     bool   `json:"pinned"`
	PinnedBy   string `json:"pinnedBy,omitempty"`
	PinnedAt   int64  `json:"pinnedAt,omitempty"`
	Edited     bool   `json:"edited"`
	EditedAt   int64  `json:"editedAt,omitempty"`
	Deleted    bool   `json:"deleted"`
	DeletedAt  int64  `json:"deletedAt,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	Version    int64  `json:"version"` // Incremented by every store mutation
}

// Counterpart returns the other party of the message relative to userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID is the sender or the receiver.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Between reports whether the message belongs to the unordered pair {a, b}.
func (m Message) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// UnreadFor reports whether the message counts as unread for viewer.
func (m Message) UnreadFor(viewer string) bool {
	return m.ReceiverID == viewer && !m.Read
}

// MessagePreview is the lightweight projection shown in the conversation list.
type MessagePreview struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text,omitempty"`
	HasImage  bool   `json:"hasImage"`
	Deleted   bool   `json:"deleted"`
	CreatedAt int64  `json:"createdAt"`
	Version   int64  `json:"version"`
}

// ConversationSummary is one entry of a viewer's conversation list.
// FirstUnreadSeq is the sequence of the oldest unread incoming message, zero when none.
type ConversationSummary struct {
	User
	LastMessage     *MessagePreview `json:"lastMessage,omitempty"`
	LastMessageTime int64           `json:"lastMessageTime"`
	UnreadCount     int             `json:"unreadCount"`
	FirstUnreadSeq  int64           `json:"firstUnreadSeq,omitempty"`
}

// UnreadStat summarizes the unread messages from one sender.
type UnreadStat struct {
	Count    int
	FirstSeq int64
}

// SendRequest is the payload of a new message.
// Image is a data URL or base64 payload handed to media storage.
type SendRequest struct {
	Text    string `json:"text,omitempty"`
	Image   string `json:"image,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// ReadReceipt tells the original sender which of their messages were read.
// Every message from SenderID to ReceiverID up to LastSeq is read.
type ReadReceipt struct {
	ReceiverID string   `json:"receiverId"`
	SenderID   string   `json:"senderId"`
	MessageIDs []string `json:"messageIds"`
	LastSeq    int64    `json:"lastSeq"`
}

// ProfileUpdate is broadcast when a user changes their public profile.
type ProfileUpdate struct {
	UserID      string `json:"userId"`
	ProfilePic  string `json:"profilePic"`
	FullName    string `json:"fullName"`
	Description string `json:"description"`
}

type EventType string

const (
	EventNewMessage      EventType = "newMessage"
	EventMessageSent     EventType = "messageSent"
	EventMessagesRead    EventType = "messagesRead"
	EventMessagePinned   EventType = "messagePinned"
	EventMessageUnpinned EventType = "messageUnpinned"
	EventMessageEdited   EventType = "messageEdited"
	EventMessageDeleted  EventType = "messageDeleted"
	EventProfileUpdated  EventType = "profileUpdated"
	EventOnlineUsers     EventType = "getOnlineUsers"
	EventError           EventType = "error"
)

// Event is a message to the client.
type Event struct {
	Type    EventType      `json:"type"`
	Message *Message       `json:"message,omitempty"`
	Read    *ReadReceipt   `json:"read,omitempty"`
	Profile *ProfileUpdate `json:"profile,omitempty"`
	Online  []string       `json:"online,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeSend     ClientMessageType = "send"
	ClientMessageTypeMarkRead ClientMessageType = "markRead"
)

// ClientMessage represents a frame sent from the client over the websocket.
// For send, ReceiverID names the recipient. For markRead, SenderID names the
// counterpart whose messages were read. The caller's own id may be omitted.
type ClientMessage struct {
	Type       ClientMessageType `json:"type"`
	ReceiverID string            `json:"receiverId,omitempty"`
	SenderID   string            `json:"senderId,omitempty"`
	Text       string            `json:"text,omitempty"`
	Image      string            `json:"image,omitempty"`
	ReplyTo    string            `json:"replyTo,omitempty"`
}

// ReadResult is returned by mark-read operations.
type ReadResult struct {
	UpdatedCount int      `json:"updatedCount"`
	MessageIDs   []string `json:"messageIds"`
	LastSeq      int64    `json:"lastSeq"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
