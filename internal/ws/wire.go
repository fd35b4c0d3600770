package ws

import "chattr/internal/models"

type ServerMessageType string

const (
	// ServerEvent wraps a committed store change visible to the account.
	ServerEvent ServerMessageType = "event"
	// ServerPresence announces a friend going online or offline.
	ServerPresence ServerMessageType = "presence"
	ServerPong     ServerMessageType = "pong"
)

type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	Event     *models.Event     `json:"event,omitempty"`
	AccountID string            `json:"accountId,omitempty"`
	Presence  *models.Presence  `json:"presence,omitempty"`
}

type ClientMessageType string

const (
	ClientPing ClientMessageType = "ping"
)

type ClientMessage struct {
	Type ClientMessageType `json:"type"`
}
