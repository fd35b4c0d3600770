// Package notify delivers web push notifications for messages whose
// recipient has no live connection. Dead subscription endpoints are
// pruned on the provider's 404/410 answers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"chattr/internal/apperr"
	"chattr/internal/content"
	"chattr/internal/models"
	"chattr/internal/store"
)

// Presence answers whether an account is connected right now; satisfied
// by the ws hub.
type Presence interface {
	Online(accountID string) bool
}

// Store is the persistence surface the notifier needs.
type Store interface {
	store.Querier
	store.Deleter
	store.Feed
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
}

// Enabled reports whether push delivery is configured.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type sendFunc func(payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type Notifier struct {
	config   Config
	st       Store
	presence Presence

	// send is swapped in tests; webpush.SendNotification otherwise.
	send sendFunc
}

func New(config Config, st Store, presence Presence) *Notifier {
	return &Notifier{
		config:   config,
		st:       st,
		presence: presence,
		send: func(payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
			return webpush.SendNotification(payload, sub, opts)
		},
	}
}

// Subscribe stores a push endpoint for the account. Re-subscribing the
// same endpoint refreshes the keys instead of duplicating it.
func (n *Notifier) Subscribe(ctx context.Context, sub models.PushSubscription) error {
	if sub.AccountID == "" || sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return apperr.Validation("incomplete push subscription")
	}

	existing, err := n.st.Select(ctx, models.TablePushSubs,
		store.Where(store.Eq("account_id", sub.AccountID), store.Eq("endpoint", sub.Endpoint)),
		store.Order{}, 1)
	if err != nil {
		return apperr.Transient("failed to check subscription", err)
	}
	if len(existing) > 0 {
		_, err := n.st.Update(ctx, models.TablePushSubs,
			store.Where(store.Eq("id", existing[0]["id"])),
			store.Record{"p256dh": sub.P256dh, "auth": sub.Auth})
		if err != nil {
			return apperr.Transient("failed to refresh subscription", err)
		}
		return nil
	}

	if _, err := n.st.Insert(ctx, models.TablePushSubs, store.PushSubscriptionRecord(sub)); err != nil {
		return apperr.Transient("failed to store subscription", err)
	}
	return nil
}

// Unsubscribe drops the endpoint for the account.
func (n *Notifier) Unsubscribe(ctx context.Context, accountID, endpoint string) error {
	_, err := n.st.Delete(ctx, models.TablePushSubs,
		store.Where(store.Eq("account_id", accountID), store.Eq("endpoint", endpoint)))
	if err != nil {
		return apperr.Transient("failed to drop subscription", err)
	}
	return nil
}

// Run watches message inserts and pushes to offline recipients until ctx
// is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	sub := n.st.Subscribe(models.TableMessages, []models.EventType{models.EventInsert}, nil)
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			n.notify(ctx, store.MessageFromRecord(ev.Record))
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Notifier) notify(ctx context.Context, msg models.Message) {
	conv, err := n.conversation(ctx, msg.ConversationID)
	if err != nil {
		slog.Warn("push skipped, conversation unknown", "conversation", msg.ConversationID, "error", err)
		return
	}

	recipient := conv.Other(msg.SenderID)
	if n.presence.Online(recipient) {
		return
	}

	payload, err := n.payload(ctx, msg)
	if err != nil {
		slog.Warn("push skipped", "message", msg.ID, "error", err)
		return
	}

	subs, err := n.st.Select(ctx, models.TablePushSubs,
		store.Where(store.Eq("account_id", recipient)), store.Order{}, 0)
	if err != nil {
		slog.Warn("failed to load push subscriptions", "account", recipient, "error", err)
		return
	}

	for _, rec := range subs {
		n.push(ctx, store.PushSubscriptionFromRecord(rec), payload)
	}
}

func (n *Notifier) push(ctx context.Context, sub models.PushSubscription, payload []byte) {
	resp, err := n.send(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      n.config.Subject,
		VAPIDPublicKey:  n.config.VAPIDPublicKey,
		VAPIDPrivateKey: n.config.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		slog.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// The browser dropped the subscription; forget it.
		if _, err := n.st.Delete(ctx, models.TablePushSubs, store.Where(store.Eq("id", sub.ID))); err != nil {
			slog.Warn("failed to prune dead subscription", "id", sub.ID, "error", err)
		}
	}
}

func (n *Notifier) payload(ctx context.Context, msg models.Message) ([]byte, error) {
	sender := msg.SenderID
	recs, err := n.st.Select(ctx, models.TableAccounts, store.Where(store.Eq("id", msg.SenderID)), store.Order{}, 1)
	if err == nil && len(recs) > 0 {
		sender = store.AccountFromRecord(recs[0]).Name()
	}

	return json.Marshal(map[string]string{
		"title":          sender,
		"body":           content.PreviewLabel(msg),
		"conversationId": msg.ConversationID,
	})
}

func (n *Notifier) conversation(ctx context.Context, id string) (models.Conversation, error) {
	recs, err := n.st.Select(ctx, models.TableConversations, store.Where(store.Eq("id", id)), store.Order{}, 1)
	if err != nil {
		return models.Conversation{}, err
	}
	if len(recs) == 0 {
		return models.Conversation{}, models.ErrNotFound
	}
	return store.ConversationFromRecord(recs[0]), nil
}
