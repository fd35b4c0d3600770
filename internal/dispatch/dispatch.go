// Package dispatch routes committed store events to the views that merge
// them: open conversation timelines, the conversation list and friendship
// listeners. Delivery from the feed is at-least-once and may be
// reordered across tables, so routing is idempotent and update echoes
// that outrun their insert are buffered until the insert arrives.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chattr/internal/models"
	"chattr/internal/store"
)

// maxOrphans bounds the buffer of read echoes waiting for their insert.
const maxOrphans = 128

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chattr_sync_events_total",
		Help: "Feed events processed, by table and event type.",
	}, []string{"table", "type"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chattr_sync_dropped_total",
		Help: "Feed events dropped, by reason.",
	}, []string{"reason"})
)

// Timeline is the per-conversation sink registered while a view is open.
type Timeline interface {
	ConversationID() string
	Append(ctx context.Context, msg models.Message) bool
	ApplyRead(messageID string) bool
}

// Inbox is the conversation list sink.
type Inbox interface {
	Ensure(ctx context.Context, conversationID string) error
	ApplyConversation(ctx context.Context, conv models.Conversation) error
	ApplyMessage(msg models.Message) bool
	ApplyMessageUpdate(msg models.Message) bool
}

type Dispatcher struct {
	feed  store.Feed
	inbox Inbox

	mu        sync.Mutex
	timelines map[string]Timeline       // conversation id -> open view
	orphans   map[string]models.Message // read echoes ahead of their insert
	onFriend  []func(models.FriendRequest)
}

func New(feed store.Feed, inbox Inbox) *Dispatcher {
	return &Dispatcher{
		feed:      feed,
		inbox:     inbox,
		timelines: make(map[string]Timeline),
		orphans:   make(map[string]models.Message),
	}
}

// RegisterTimeline attaches an open conversation view. The returned
// release detaches it and discards any echoes buffered for it, without
// touching other conversations.
func (d *Dispatcher) RegisterTimeline(tl Timeline) (release func()) {
	conversationID := tl.ConversationID()

	d.mu.Lock()
	d.timelines[conversationID] = tl
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.timelines[conversationID] == tl {
				delete(d.timelines, conversationID)
			}
			for id, msg := range d.orphans {
				if msg.ConversationID == conversationID {
					delete(d.orphans, id)
				}
			}
		})
	}
}

// OnFriendRequest registers a listener for friend request inserts and
// status changes.
func (d *Dispatcher) OnFriendRequest(fn func(models.FriendRequest)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFriend = append(d.onFriend, fn)
}

// Run consumes the feed until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	msgs := d.feed.Subscribe(models.TableMessages, nil, nil)
	defer msgs.Close()
	convs := d.feed.Subscribe(models.TableConversations, nil, nil)
	defer convs.Close()
	reqs := d.feed.Subscribe(models.TableFriendRequests, nil, nil)
	defer reqs.Close()

	for {
		select {
		case ev, ok := <-msgs.C:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		case ev, ok := <-convs.C:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		case ev, ok := <-reqs.C:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// Handle routes one event. Exported so tests and synchronous callers can
// drive the dispatcher without the feed loop.
func (d *Dispatcher) Handle(ctx context.Context, ev models.Event) {
	eventsTotal.WithLabelValues(string(ev.Table), string(ev.Type)).Inc()

	switch ev.Table {
	case models.TableMessages:
		d.handleMessage(ctx, ev)
	case models.TableConversations:
		d.handleConversation(ctx, ev)
	case models.TableFriendRequests:
		d.handleFriendRequest(ev)
	case models.TableAccounts, models.TablePushSubs:
		// Not synced into any view.
	default:
		d.drop("unknown_table", "table", ev.Table)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, ev models.Event) {
	msg := store.MessageFromRecord(ev.Record)
	if msg.ID == "" || msg.ConversationID == "" {
		d.drop("malformed", "table", ev.Table, "type", ev.Type)
		return
	}

	switch ev.Type {
	case models.EventInsert:
		d.mu.Lock()
		tl := d.timelines[msg.ConversationID]
		orphan, buffered := d.orphans[msg.ID]
		if buffered {
			delete(d.orphans, msg.ID)
		}
		d.mu.Unlock()

		if buffered && orphan.Read {
			msg.Read = true
		}
		if tl != nil {
			tl.Append(ctx, msg)
			if msg.Read {
				tl.ApplyRead(msg.ID)
			}
		}
		if !d.inbox.ApplyMessage(msg) {
			// First message of a conversation the list has not seen yet.
			if err := d.inbox.Ensure(ctx, msg.ConversationID); err != nil {
				d.drop("unknown_conversation", "conversation", msg.ConversationID)
				return
			}
			d.inbox.ApplyMessage(msg)
		}

	case models.EventUpdate:
		d.inbox.ApplyMessageUpdate(msg)

		d.mu.Lock()
		defer d.mu.Unlock()
		tl := d.timelines[msg.ConversationID]
		if tl == nil || !msg.Read {
			return
		}
		if tl.ApplyRead(msg.ID) {
			return
		}
		// The echo beat its insert; hold it until the insert lands.
		if len(d.orphans) >= maxOrphans {
			d.drop("orphan_overflow", "message", msg.ID)
			return
		}
		d.orphans[msg.ID] = msg

	default:
		d.drop("unknown_type", "type", ev.Type)
	}
}

func (d *Dispatcher) handleConversation(ctx context.Context, ev models.Event) {
	conv := store.ConversationFromRecord(ev.Record)
	if conv.ID == "" || conv.User1ID == "" || conv.User2ID == "" {
		d.drop("malformed", "table", ev.Table, "type", ev.Type)
		return
	}
	if err := d.inbox.ApplyConversation(ctx, conv); err != nil {
		d.drop("unknown_conversation", "conversation", conv.ID)
	}
}

func (d *Dispatcher) handleFriendRequest(ev models.Event) {
	req := store.FriendRequestFromRecord(ev.Record)
	if req.ID == "" || req.FromID == "" || req.ToID == "" {
		d.drop("malformed", "table", ev.Table, "type", ev.Type)
		return
	}

	d.mu.Lock()
	listeners := make([]func(models.FriendRequest), len(d.onFriend))
	copy(listeners, d.onFriend)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(req)
	}
}

func (d *Dispatcher) drop(reason string, args ...any) {
	droppedTotal.WithLabelValues(reason).Inc()
	slog.Warn("sync event dropped", append([]any{"reason", reason}, args...)...)
}
