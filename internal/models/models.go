package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

// Table names the resources the store and the push feed operate on.
type Table string

const (
	TableAccounts       Table = "accounts"
	TableFriendRequests Table = "friend_requests"
	TableConversations  Table = "conversations"
	TableMessages       Table = "messages"
	TablePushSubs       Table = "push_subscriptions"
)

// Account represents a registered user profile.
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatarUrl"`
}

// Name returns the display name, falling back to the username.
func (a Account) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// FriendRequest is one lifecycle of a relationship between two accounts.
// At most one non-rejected record may exist per unordered pair.
type FriendRequest struct {
	ID        string        `json:"id"`
	FromID    string        `json:"fromId"`
	ToID      string        `json:"toId"`
	Status    RequestStatus `json:"status"`
	CreatedAt int64         `json:"createdAt"` // Unix milliseconds
	UpdatedAt int64         `json:"updatedAt"`
}

// Conversation is the pairwise chat created when a friendship is accepted.
// User1ID is always the lexically lower account id.
type Conversation struct {
	ID        string `json:"id"`
	User1ID   string `json:"user1Id"`
	User2ID   string `json:"user2Id"`
	CreatedAt int64  `json:"createdAt"`
}

// Other returns the participant that is not the given account.
func (c Conversation) Other(accountID string) string {
	if c.User1ID == accountID {
		return c.User2ID
	}
	return c.User1ID
}

// Has reports whether the account participates in the conversation.
func (c Conversation) Has(accountID string) bool {
	return c.User1ID == accountID || c.User2ID == accountID
}

type MessageType string

const (
	MessageText MessageType = "text"
	MessageFile MessageType = "file"
)

// Attachment is a stored file reference carried by a file message.
// Path is relative to the object store unless it is already an absolute URL.
type Attachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
}

// Message belongs to exactly one conversation. Immutable after insert except
// for the Read flag, which only the non-sender may flip false -> true.
// Content and Attachment are never both empty.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	CreatedAt      int64       `json:"createdAt"` // server-assigned, non-decreasing per conversation
	Type           MessageType `json:"type"`
	Content        string      `json:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Read           bool        `json:"read"`
}

// Presence is the ephemeral online state of an account. Never persisted.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Event is the envelope delivered by the push feed for every committed
// insert or update. Record holds the full row after the change.
type Event struct {
	Type   EventType      `json:"type"`
	Table  Table          `json:"table"`
	Record map[string]any `json:"record"`
}

// PushSubscription is a stored web-push endpoint for one account.
type PushSubscription struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"createdAt"`
}
