// Package receipts coordinates read state across the open conversation
// view, the conversation list and the store. Local views flip before the
// write is persisted, so the unread badge never lags behind what the
// viewer has already seen on screen. Read state is monotonic: a message
// once read never reverts.
package receipts

import (
	"context"
	"sync"

	"chattr/internal/apperr"
	"chattr/internal/models"
	"chattr/internal/store"
)

// View is the open conversation timeline.
type View interface {
	ConversationID() string
	MarkRead() []string
	ApplyRead(messageID string) bool
}

// Counts is the conversation list's unread surface.
type Counts interface {
	ApplyRead(conversationID string, messageIDs []string)
	ClearUnread(conversationID string)
	ApplyMessageUpdate(msg models.Message) bool
}

type Tracker struct {
	viewer string
	q      store.Querier
	counts Counts

	// unsaved remembers conversations whose persist failed, so a later
	// MarkRead re-issues the write even though the view has nothing left
	// to flip locally.
	mu      sync.Mutex
	unsaved map[string]bool
}

func NewTracker(viewer string, q store.Querier, counts Counts) *Tracker {
	return &Tracker{viewer: viewer, q: q, counts: counts, unsaved: make(map[string]bool)}
}

// MarkRead flips every unread incoming message in the view, clears the
// conversation's badge and then persists the flip. Both local views are
// updated before the write so the caller observes the new state
// immediately; a persistence failure is returned but the local flip
// stands, and the write is retried on the next call for the same
// conversation.
func (t *Tracker) MarkRead(ctx context.Context, view View) error {
	conversationID := view.ConversationID()
	ids := view.MarkRead()
	t.counts.ApplyRead(conversationID, ids)
	t.counts.ClearUnread(conversationID)

	if len(ids) == 0 && !t.pendingWrite(conversationID) {
		return nil
	}
	return t.persist(ctx, conversationID)
}

// MarkConversationRead clears and persists read state without an open
// view, for acting on the conversation list directly.
func (t *Tracker) MarkConversationRead(ctx context.Context, conversationID string) error {
	t.counts.ClearUnread(conversationID)
	return t.persist(ctx, conversationID)
}

func (t *Tracker) pendingWrite(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsaved[conversationID]
}

func (t *Tracker) persist(ctx context.Context, conversationID string) error {
	_, err := t.q.Update(ctx, models.TableMessages,
		store.Where(
			store.Eq("conversation_id", conversationID),
			store.Eq("is_read", false),
			store.Neq("sender_id", t.viewer),
		),
		store.Record{"is_read": true})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.unsaved[conversationID] = true
		return apperr.Transient("failed to persist read receipts", err)
	}
	delete(t.unsaved, conversationID)
	return nil
}

// ApplyUpdate reconciles a pushed read echo with both views: the sender
// sees the tick flip, the list drops the message from its unread set.
// Returns false when the view does not know the message yet so the
// caller can buffer the echo until its insert arrives.
func (t *Tracker) ApplyUpdate(view View, msg models.Message) bool {
	t.counts.ApplyMessageUpdate(msg)
	if !msg.Read || view == nil || view.ConversationID() != msg.ConversationID {
		return true
	}
	return view.ApplyRead(msg.ID)
}
