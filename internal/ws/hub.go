package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chattr/internal/models"
	"chattr/internal/store"
)

// clientBuffer is the per-connection send buffer. A client that cannot
// keep up loses events rather than blocking the bridge; it resyncs from
// the store on reconnect.
const clientBuffer = 100

// presenceTimeout bounds the friend lookup done for presence broadcasts.
const presenceTimeout = 3 * time.Second

// Friends resolves who may see an account's presence.
type Friends interface {
	FriendsOf(ctx context.Context, accountID string) ([]models.Account, error)
}

// Hub bridges committed store events to connected accounts. An event is
// delivered only to accounts that participate in the affected record.
type Hub struct {
	q       store.Querier
	feed    store.Feed
	friends Friends

	mu        sync.RWMutex
	connected map[string]chan ServerMessage
	presence  map[string]models.Presence

	now func() time.Time
}

func NewHub(q store.Querier, feed store.Feed, friends Friends) *Hub {
	return &Hub{
		q:         q,
		feed:      feed,
		friends:   friends,
		connected: make(map[string]chan ServerMessage),
		presence:  make(map[string]models.Presence),
		now:       time.Now,
	}
}

// Join registers the account's connection and announces it online to its
// online friends. A second connection replaces the first.
func (h *Hub) Join(accountID string) chan ServerMessage {
	ch := make(chan ServerMessage, clientBuffer)
	p := models.Presence{Online: true, LastSeen: h.now().Unix()}

	h.mu.Lock()
	if old, ok := h.connected[accountID]; ok {
		close(old)
	}
	h.connected[accountID] = ch
	h.presence[accountID] = p
	h.mu.Unlock()

	h.broadcastPresence(accountID, p)
	return ch
}

// Leave drops the given connection and announces the account offline.
// A stale connection that was already replaced leaves the replacement
// untouched.
func (h *Hub) Leave(accountID string, ch chan ServerMessage) {
	p := models.Presence{Online: false, LastSeen: h.now().Unix()}

	h.mu.Lock()
	if current, ok := h.connected[accountID]; !ok || current != ch {
		h.mu.Unlock()
		return
	}
	close(ch)
	delete(h.connected, accountID)
	h.presence[accountID] = p
	h.mu.Unlock()

	h.broadcastPresence(accountID, p)
}

// Online reports whether the account has a live connection.
func (h *Hub) Online(accountID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connected[accountID]
	return ok
}

// Presence returns the account's last known presence.
func (h *Hub) Presence(accountID string) models.Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presence[accountID]
}

// Run bridges the store feed until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	msgs := h.feed.Subscribe(models.TableMessages, nil, nil)
	defer msgs.Close()
	convs := h.feed.Subscribe(models.TableConversations, nil, nil)
	defer convs.Close()
	reqs := h.feed.Subscribe(models.TableFriendRequests, nil, nil)
	defer reqs.Close()

	for {
		select {
		case ev, ok := <-msgs.C:
			if !ok {
				return nil
			}
			h.route(ctx, ev)
		case ev, ok := <-convs.C:
			if !ok {
				return nil
			}
			h.route(ctx, ev)
		case ev, ok := <-reqs.C:
			if !ok {
				return nil
			}
			h.route(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// route delivers one event to every connected account that may see it.
func (h *Hub) route(ctx context.Context, ev models.Event) {
	var recipients []string

	switch ev.Table {
	case models.TableMessages:
		msg := store.MessageFromRecord(ev.Record)
		conv, err := h.conversation(ctx, msg.ConversationID)
		if err != nil {
			slog.Warn("cannot route message event", "conversation", msg.ConversationID, "error", err)
			return
		}
		recipients = []string{conv.User1ID, conv.User2ID}
	case models.TableConversations:
		conv := store.ConversationFromRecord(ev.Record)
		recipients = []string{conv.User1ID, conv.User2ID}
	case models.TableFriendRequests:
		req := store.FriendRequestFromRecord(ev.Record)
		recipients = []string{req.FromID, req.ToID}
	default:
		return
	}

	out := ServerMessage{Type: ServerEvent, Event: &ev}
	for _, accountID := range recipients {
		h.send(accountID, out)
	}
}

func (h *Hub) send(accountID string, msg ServerMessage) {
	h.mu.RLock()
	ch, online := h.connected[accountID]
	h.mu.RUnlock()
	if !online {
		return
	}

	select {
	case ch <- msg:
	default:
		slog.Warn("client buffer full, dropping push", "account", accountID, "type", msg.Type)
	}
}

func (h *Hub) broadcastPresence(accountID string, p models.Presence) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	friends, err := h.friends.FriendsOf(ctx, accountID)
	if err != nil {
		slog.Warn("presence broadcast skipped", "account", accountID, "error", err)
		return
	}

	msg := ServerMessage{Type: ServerPresence, AccountID: accountID, Presence: &p}
	for _, friend := range friends {
		h.send(friend.ID, msg)
	}
}

func (h *Hub) conversation(ctx context.Context, id string) (models.Conversation, error) {
	recs, err := h.q.Select(ctx, models.TableConversations, store.Where(store.Eq("id", id)), store.Order{}, 1)
	if err != nil {
		return models.Conversation{}, err
	}
	if len(recs) == 0 {
		return models.Conversation{}, models.ErrNotFound
	}
	return store.ConversationFromRecord(recs[0]), nil
}
