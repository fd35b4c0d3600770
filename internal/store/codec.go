package store

import (
	"chattr/internal/models"
)

// Codecs between typed models and generic table records. Column names
// follow the wrapped service's schema (snake_case).

func getString(rec Record, field string) string {
	s, _ := rec[field].(string)
	return s
}

func getInt64(rec Record, field string) int64 {
	n, _ := toInt64(rec[field])
	return n
}

func getBool(rec Record, field string) bool {
	b, _ := rec[field].(bool)
	return b
}

func AccountRecord(a models.Account) Record {
	return Record{
		"id":           a.ID,
		"username":     a.Username,
		"display_name": a.DisplayName,
		"bio":          a.Bio,
		"avatar_url":   a.AvatarURL,
	}
}

func AccountFromRecord(rec Record) models.Account {
	return models.Account{
		ID:          getString(rec, "id"),
		Username:    getString(rec, "username"),
		DisplayName: getString(rec, "display_name"),
		Bio:         getString(rec, "bio"),
		AvatarURL:   getString(rec, "avatar_url"),
	}
}

func FriendRequestRecord(r models.FriendRequest) Record {
	rec := Record{
		"id":          r.ID,
		"sender_id":   r.FromID,
		"receiver_id": r.ToID,
		"status":      string(r.Status),
		"updated_at":  r.UpdatedAt,
	}
	if r.ID == "" {
		delete(rec, "id")
	}
	if r.CreatedAt != 0 {
		rec["created_at"] = r.CreatedAt
	}
	return rec
}

func FriendRequestFromRecord(rec Record) models.FriendRequest {
	return models.FriendRequest{
		ID:        getString(rec, "id"),
		FromID:    getString(rec, "sender_id"),
		ToID:      getString(rec, "receiver_id"),
		Status:    models.RequestStatus(getString(rec, "status")),
		CreatedAt: getInt64(rec, "created_at"),
		UpdatedAt: getInt64(rec, "updated_at"),
	}
}

func ConversationRecord(c models.Conversation) Record {
	rec := Record{
		"id":       c.ID,
		"user1_id": c.User1ID,
		"user2_id": c.User2ID,
	}
	if c.ID == "" {
		delete(rec, "id")
	}
	if c.CreatedAt != 0 {
		rec["created_at"] = c.CreatedAt
	}
	return rec
}

func ConversationFromRecord(rec Record) models.Conversation {
	return models.Conversation{
		ID:        getString(rec, "id"),
		User1ID:   getString(rec, "user1_id"),
		User2ID:   getString(rec, "user2_id"),
		CreatedAt: getInt64(rec, "created_at"),
	}
}

func MessageRecord(m models.Message) Record {
	rec := Record{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"message_type":    string(m.Type),
		"content":         m.Content,
		"is_read":         m.Read,
	}
	if m.ID != "" {
		rec["id"] = m.ID
	}
	if m.CreatedAt != 0 {
		rec["created_at"] = m.CreatedAt
	}
	if m.Attachment != nil {
		rec["file_url"] = m.Attachment.Path
		rec["file_type"] = m.Attachment.MimeType
		rec["file_name"] = m.Attachment.Name
	}
	return rec
}

func MessageFromRecord(rec Record) models.Message {
	msg := models.Message{
		ID:             getString(rec, "id"),
		ConversationID: getString(rec, "conversation_id"),
		SenderID:       getString(rec, "sender_id"),
		CreatedAt:      getInt64(rec, "created_at"),
		Type:           models.MessageType(getString(rec, "message_type")),
		Content:        getString(rec, "content"),
		Read:           getBool(rec, "is_read"),
	}
	if path := getString(rec, "file_url"); path != "" {
		msg.Attachment = &models.Attachment{
			Path:     path,
			MimeType: getString(rec, "file_type"),
			Name:     getString(rec, "file_name"),
		}
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	return msg
}

func PushSubscriptionRecord(p models.PushSubscription) Record {
	rec := Record{
		"account_id": p.AccountID,
		"endpoint":   p.Endpoint,
		"p256dh":     p.P256dh,
		"auth":       p.Auth,
	}
	if p.ID != "" {
		rec["id"] = p.ID
	}
	return rec
}

func PushSubscriptionFromRecord(rec Record) models.PushSubscription {
	return models.PushSubscription{
		ID:        getString(rec, "id"),
		AccountID: getString(rec, "account_id"),
		Endpoint:  getString(rec, "endpoint"),
		P256dh:    getString(rec, "p256dh"),
		Auth:      getString(rec, "auth"),
		CreatedAt: getInt64(rec, "created_at"),
	}
}
