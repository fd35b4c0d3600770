// Package timeline maintains the ordered, deduplicated message sequence of
// one open conversation. It merges optimistic local sends with confirmed
// and pushed records, tracks read state, and resolves attachment
// references without ever failing a load because of one broken file.
package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chattr/internal/apperr"
	"chattr/internal/attachments"
	"chattr/internal/models"
	"chattr/internal/store"
)

// resolveConcurrency bounds parallel attachment resolution during a load.
const resolveConcurrency = 4

type Status int

const (
	// StatusSent is a confirmed, server-acknowledged message.
	StatusSent Status = iota
	// StatusPending is an optimistic local send awaiting confirmation.
	StatusPending
	// StatusFailed is a local send whose insert failed; resend is an
	// explicit user action.
	StatusFailed
)

// Entry is one rendered timeline row.
type Entry struct {
	models.Message
	Status  Status               `json:"status"`
	LocalID string               `json:"localId,omitempty"` // set for optimistic entries until confirmed
	FileURL attachments.Resolved `json:"fileUrl"`
}

// sortID returns the identity used for deterministic ordering.
func (e Entry) sortID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.LocalID
}

// Resolver is satisfied by attachments.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, ref string) attachments.Resolved
}

type Timeline struct {
	conversationID string
	viewer         string
	q              store.Querier
	resolver       Resolver
	now            func() time.Time

	mu      sync.RWMutex
	entries []Entry
	index   map[string]int // message id -> position
	local   map[string]int // local id -> position
}

func New(conversationID, viewer string, q store.Querier, resolver Resolver) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		viewer:         viewer,
		q:              q,
		resolver:       resolver,
		now:            time.Now,
		index:          make(map[string]int),
		local:          make(map[string]int),
	}
}

func (t *Timeline) ConversationID() string { return t.conversationID }

// Load fetches the full history ordered by creation time and resolves
// attachment references. A resolution failure degrades that entry to a
// pending placeholder; it never fails the load.
func (t *Timeline) Load(ctx context.Context) error {
	recs, err := t.q.Select(ctx, models.TableMessages,
		store.Where(store.Eq("conversation_id", t.conversationID)),
		store.Order{Field: "created_at"}, 0)
	if err != nil {
		return apperr.Transient("failed to load messages", err)
	}

	entries := make([]Entry, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, rec := range recs {
		msg := store.MessageFromRecord(rec)
		entries[i] = Entry{Message: msg, Status: StatusSent}
		if msg.Attachment != nil {
			g.Go(func() error {
				entries[i].FileURL = t.resolver.Resolve(gctx, msg.Attachment.Path)
				return nil
			})
		}
	}
	_ = g.Wait() // resolution never returns an error, only placeholder states

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	t.index = make(map[string]int, len(entries))
	t.local = make(map[string]int)
	for i, e := range entries {
		t.index[e.ID] = i
	}
	return nil
}

// Append inserts a confirmed message at its ordered position. It is
// idempotent by message id: a duplicate push insert leaves the timeline
// unchanged and returns false.
func (t *Timeline) Append(ctx context.Context, msg models.Message) bool {
	entry := Entry{Message: msg, Status: StatusSent}
	if msg.Attachment != nil {
		entry.FileURL = t.resolver.Resolve(ctx, msg.Attachment.Path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[msg.ID]; ok {
		return false
	}
	t.insert(entry)
	return true
}

// AppendLocal adds an optimistic placeholder for a message the viewer just
// composed. It returns the local id used to confirm or fail the send.
func (t *Timeline) AppendLocal(draft models.Message) string {
	localID := "local-" + uuid.NewString()
	draft.SenderID = t.viewer
	draft.ConversationID = t.conversationID
	if draft.CreatedAt == 0 {
		draft.CreatedAt = t.now().UnixMilli()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.insert(Entry{Message: draft, Status: StatusPending, LocalID: localID})
	return localID
}

// Confirm replaces the placeholder with the authoritative record, in place
// so scroll position and read state stay continuous. If the push echo
// already inserted the record the placeholder is simply dropped.
func (t *Timeline) Confirm(ctx context.Context, localID string, msg models.Message) {
	var resolved attachments.Resolved
	if msg.Attachment != nil {
		resolved = t.resolver.Resolve(ctx, msg.Attachment.Path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.local[localID]
	if !ok {
		return
	}

	if _, dup := t.index[msg.ID]; dup {
		t.remove(pos)
		delete(t.local, localID)
		return
	}

	t.entries[pos] = Entry{Message: msg, Status: StatusSent, FileURL: resolved}
	t.index[msg.ID] = pos
	delete(t.local, localID)
}

// Fail marks an optimistic send as failed. The entry stays visible for an
// explicit resend.
func (t *Timeline) Fail(localID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.local[localID]; ok {
		t.entries[pos].Status = StatusFailed
	}
}

// Draft returns the message behind a failed local entry, for resending.
func (t *Timeline) Draft(localID string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.local[localID]
	if !ok {
		return models.Message{}, false
	}
	return t.entries[pos].Message, true
}

// Retry flips a failed entry back to pending before a resend attempt.
func (t *Timeline) Retry(localID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.local[localID]; ok {
		t.entries[pos].Status = StatusPending
	}
}

// ApplyRead flips one message to read. Monotonic: read never reverts.
// Returns false when the id is unknown so the caller can buffer the update.
func (t *Timeline) ApplyRead(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.index[messageID]
	if !ok {
		return false
	}
	t.entries[pos].Read = true
	return true
}

// MarkRead flips every unread message not sent by the viewer and returns
// their ids. Calling it with nothing unread is a no-op.
func (t *Timeline) MarkRead() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for i := range t.entries {
		e := &t.entries[i]
		if !e.Read && e.SenderID != t.viewer && e.Status == StatusSent {
			e.Read = true
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Unread counts messages the viewer has not read.
func (t *Timeline) Unread() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if !e.Read && e.SenderID != t.viewer && e.Status == StatusSent {
			n++
		}
	}
	return n
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of the ordered entries.
func (t *Timeline) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// insert places the entry at its ordered position. Existing entries are
// never reordered; the new one slots between them.
func (t *Timeline) insert(entry Entry) {
	pos := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		if e.CreatedAt != entry.CreatedAt {
			return e.CreatedAt > entry.CreatedAt
		}
		return e.sortID() > entry.sortID()
	})

	t.entries = append(t.entries, Entry{})
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = entry
	t.reindexFrom(pos)
}

func (t *Timeline) remove(pos int) {
	e := t.entries[pos]
	if e.ID != "" {
		delete(t.index, e.ID)
	}
	t.entries = append(t.entries[:pos], t.entries[pos+1:]...)
	t.reindexFrom(pos)
}

func (t *Timeline) reindexFrom(pos int) {
	for i := pos; i < len(t.entries); i++ {
		e := t.entries[i]
		if e.ID != "" {
			t.index[e.ID] = i
		}
		if e.LocalID != "" {
			t.local[e.LocalID] = i
		}
	}
}
