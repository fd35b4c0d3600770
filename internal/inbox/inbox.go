// Package inbox maintains the viewer's ranked conversation list: other
// participant's profile, last-message preview, unread count and
// last-activity ordering. After the initial Refresh it is kept fresh by
// incremental, event-driven updates that reposition exactly the affected
// conversation, so concurrent activity across many conversations never
// forces a full reload.
package inbox

import (
	"context"
	"sort"
	"sync"

	"chattr/internal/apperr"
	"chattr/internal/content"
	"chattr/internal/models"
	"chattr/internal/store"
)

// Preview is the one-line summary of the newest message.
type Preview struct {
	Text      string `json:"text"`
	SenderID  string `json:"senderId"`
	CreatedAt int64  `json:"createdAt"`
}

// Entry is one row of the conversation list.
type Entry struct {
	Conversation models.Conversation `json:"conversation"`
	Other        models.Account      `json:"other"`
	LastMessage  *Preview            `json:"lastMessage,omitempty"`
	Unread       int                 `json:"unread"`
}

// lastActivity is the newest message's created_at, or the conversation's
// creation time while it is still empty.
func (e *Entry) lastActivity() int64 {
	if e.LastMessage != nil {
		return e.LastMessage.CreatedAt
	}
	return e.Conversation.CreatedAt
}

type row struct {
	Entry
	lastID    string          // id of the message behind the preview
	unreadIDs map[string]bool // unread message ids; keyed so replays stay idempotent
}

type Index struct {
	viewer string
	q      store.Querier

	mu    sync.RWMutex
	rows  map[string]*row
	order []string // conversation ids, ranked
}

func New(viewer string, q store.Querier) *Index {
	return &Index{
		viewer: viewer,
		q:      q,
		rows:   make(map[string]*row),
	}
}

// Refresh re-derives the full list from the store.
func (x *Index) Refresh(ctx context.Context) error {
	convRecs, err := x.q.Select(ctx, models.TableConversations,
		store.Where(store.Eq("user1_id", x.viewer)).Or(store.Eq("user2_id", x.viewer)),
		store.Order{Field: "created_at", Desc: true}, 0)
	if err != nil {
		return apperr.Transient("failed to load conversations", err)
	}

	rows := make(map[string]*row, len(convRecs))
	for _, rec := range convRecs {
		conv := store.ConversationFromRecord(rec)
		r, err := x.buildRow(ctx, conv)
		if err != nil {
			return err
		}
		rows[conv.ID] = r
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.rows = rows
	x.order = x.order[:0]
	for id := range rows {
		x.order = append(x.order, id)
	}
	x.sortAll()
	return nil
}

func (x *Index) buildRow(ctx context.Context, conv models.Conversation) (*row, error) {
	otherRecs, err := x.q.Select(ctx, models.TableAccounts,
		store.Where(store.Eq("id", conv.Other(x.viewer))), store.Order{}, 1)
	if err != nil {
		return nil, apperr.Transient("failed to load profile", err)
	}
	r := &row{
		Entry:     Entry{Conversation: conv},
		unreadIDs: make(map[string]bool),
	}
	if len(otherRecs) > 0 {
		r.Other = store.AccountFromRecord(otherRecs[0])
	}

	lastRecs, err := x.q.Select(ctx, models.TableMessages,
		store.Where(store.Eq("conversation_id", conv.ID)),
		store.Order{Field: "created_at", Desc: true}, 1)
	if err != nil {
		return nil, apperr.Transient("failed to load last message", err)
	}
	if len(lastRecs) > 0 {
		msg := store.MessageFromRecord(lastRecs[0])
		r.LastMessage = &Preview{Text: content.PreviewLabel(msg), SenderID: msg.SenderID, CreatedAt: msg.CreatedAt}
		r.lastID = msg.ID
	}

	unreadRecs, err := x.q.Select(ctx, models.TableMessages,
		store.Where(store.Eq("conversation_id", conv.ID), store.Eq("is_read", false), store.Neq("sender_id", x.viewer)),
		store.Order{}, 0)
	if err != nil {
		return nil, apperr.Transient("failed to count unread", err)
	}
	for _, rec := range unreadRecs {
		r.unreadIDs[store.MessageFromRecord(rec).ID] = true
	}
	r.Unread = len(r.unreadIDs)
	return r, nil
}

// Ensure loads a single conversation into the index if it is not tracked
// yet, without touching the others.
func (x *Index) Ensure(ctx context.Context, conversationID string) error {
	x.mu.RLock()
	_, known := x.rows[conversationID]
	x.mu.RUnlock()
	if known {
		return nil
	}

	recs, err := x.q.Select(ctx, models.TableConversations,
		store.Where(store.Eq("id", conversationID)), store.Order{}, 1)
	if err != nil {
		return apperr.Transient("failed to load conversation", err)
	}
	if len(recs) == 0 {
		return apperr.NotFound("conversation not found")
	}

	conv := store.ConversationFromRecord(recs[0])
	if !conv.Has(x.viewer) {
		return nil // not ours, nothing to track
	}

	r, err := x.buildRow(ctx, conv)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, dup := x.rows[conversationID]; dup {
		return nil
	}
	x.rows[conversationID] = r
	x.order = append(x.order, conversationID)
	x.reposition(conversationID)
	return nil
}

// ApplyConversation tracks a conversation that just appeared (friendship
// accepted).
func (x *Index) ApplyConversation(ctx context.Context, conv models.Conversation) error {
	if !conv.Has(x.viewer) {
		return nil
	}
	return x.Ensure(ctx, conv.ID)
}

// ApplyMessage folds one pushed or locally confirmed message into the
// index. Idempotent by message id. Returns false when the conversation is
// unknown; the caller should Ensure it first.
func (x *Index) ApplyMessage(msg models.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	r, ok := x.rows[msg.ConversationID]
	if !ok {
		return false
	}

	if msg.SenderID != x.viewer && !msg.Read {
		r.unreadIDs[msg.ID] = true
		r.Unread = len(r.unreadIDs)
	}

	if x.newerThanPreview(r, msg) {
		r.LastMessage = &Preview{Text: content.PreviewLabel(msg), SenderID: msg.SenderID, CreatedAt: msg.CreatedAt}
		r.lastID = msg.ID
		x.reposition(msg.ConversationID)
	}
	return true
}

// ApplyMessageUpdate handles read-flag echoes: a message of ours was read
// by the other side, or our own read got confirmed.
func (x *Index) ApplyMessageUpdate(msg models.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	r, ok := x.rows[msg.ConversationID]
	if !ok {
		return false
	}
	if msg.Read && r.unreadIDs[msg.ID] {
		delete(r.unreadIDs, msg.ID)
		r.Unread = len(r.unreadIDs)
	}
	return true
}

// ApplyRead clears the given message ids from the conversation's unread
// set. Safe to replay.
func (x *Index) ApplyRead(conversationID string, messageIDs []string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	r, ok := x.rows[conversationID]
	if !ok {
		return
	}
	for _, id := range messageIDs {
		delete(r.unreadIDs, id)
	}
	r.Unread = len(r.unreadIDs)
}

// ClearUnread zeroes the conversation's unread count (viewer opened it).
func (x *Index) ClearUnread(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if r, ok := x.rows[conversationID]; ok {
		r.unreadIDs = make(map[string]bool)
		r.Unread = 0
	}
}

// Unread returns the unread count for one conversation.
func (x *Index) Unread(conversationID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if r, ok := x.rows[conversationID]; ok {
		return r.Unread
	}
	return 0
}

// Snapshot returns the ranked entries: last activity descending,
// conversation id as the deterministic tiebreak.
func (x *Index) Snapshot() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Entry, 0, len(x.order))
	for _, id := range x.order {
		out = append(out, x.rows[id].Entry)
	}
	return out
}

func (x *Index) newerThanPreview(r *row, msg models.Message) bool {
	if msg.ID == r.lastID {
		return false
	}
	if r.LastMessage == nil {
		return true
	}
	if msg.CreatedAt != r.LastMessage.CreatedAt {
		return msg.CreatedAt > r.LastMessage.CreatedAt
	}
	return msg.ID > r.lastID
}

// reposition re-ranks exactly one conversation. Callers hold the lock.
func (x *Index) reposition(conversationID string) {
	for i, id := range x.order {
		if id == conversationID {
			x.order = append(x.order[:i], x.order[i+1:]...)
			break
		}
	}

	target := x.rows[conversationID]
	pos := sort.Search(len(x.order), func(i int) bool {
		other := x.rows[x.order[i]]
		if other.lastActivity() != target.lastActivity() {
			return other.lastActivity() < target.lastActivity()
		}
		return x.order[i] > conversationID
	})

	x.order = append(x.order, "")
	copy(x.order[pos+1:], x.order[pos:])
	x.order[pos] = conversationID
}

// sortAll ranks the whole list; used only by Refresh. Callers hold the lock.
func (x *Index) sortAll() {
	sort.SliceStable(x.order, func(i, j int) bool {
		a, b := x.rows[x.order[i]], x.rows[x.order[j]]
		if a.lastActivity() != b.lastActivity() {
			return a.lastActivity() > b.lastActivity()
		}
		return x.order[i] < x.order[j]
	})
}
