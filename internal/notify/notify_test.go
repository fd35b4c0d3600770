package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"

	"chattr/internal/models"
	"chattr/internal/store"
)

type stubPresence map[string]bool

func (s stubPresence) Online(accountID string) bool { return s[accountID] }

type capturedPush struct {
	payload  []byte
	endpoint string
}

func setup(t *testing.T, online stubPresence) (*Notifier, *store.Bbolt, string) {
	t.Helper()
	s, err := store.NewBbolt(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		_, err := s.Insert(ctx, models.TableAccounts, store.Record{"id": u, "username": u, "display_name": strings.ToUpper(u)})
		require.NoError(t, err)
	}
	conv, err := s.Insert(ctx, models.TableConversations, store.Record{"user1_id": "alice", "user2_id": "bob"})
	require.NoError(t, err)

	n := New(Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv", Subject: "mailto:test@localhost"}, s, online)
	return n, s, conv["id"].(string)
}

func respond(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}
}

func subscribe(t *testing.T, n *Notifier, accountID, endpoint string) {
	t.Helper()
	require.NoError(t, n.Subscribe(context.Background(), models.PushSubscription{
		AccountID: accountID,
		Endpoint:  endpoint,
		P256dh:    "p256dh-key",
		Auth:      "auth-key",
	}))
}

func message(t *testing.T, s *store.Bbolt, convID, sender, text string) models.Message {
	t.Helper()
	rec, err := s.Insert(context.Background(), models.TableMessages, store.MessageRecord(models.Message{
		ConversationID: convID,
		SenderID:       sender,
		Type:           models.MessageText,
		Content:        text,
	}))
	require.NoError(t, err)
	return store.MessageFromRecord(rec)
}

func TestNotifyOfflineRecipient(t *testing.T) {
	n, s, convID := setup(t, stubPresence{"alice": true})
	ctx := context.Background()

	var pushes []capturedPush
	n.send = func(payload []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		pushes = append(pushes, capturedPush{payload: payload, endpoint: sub.Endpoint})
		return respond(http.StatusCreated), nil
	}

	subscribe(t, n, "bob", "https://push.example/bob-1")

	n.notify(ctx, message(t, s, convID, "alice", "hello bob"))
	require.Len(t, pushes, 1)
	require.Equal(t, "https://push.example/bob-1", pushes[0].endpoint)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(pushes[0].payload, &payload))
	require.Equal(t, "ALICE", payload["title"])
	require.Equal(t, "hello bob", payload["body"])
	require.Equal(t, convID, payload["conversationId"])
}

func TestNoPushForOnlineRecipient(t *testing.T) {
	n, s, convID := setup(t, stubPresence{"alice": true, "bob": true})

	n.send = func([]byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		t.Fatal("online recipients must not be pushed")
		return nil, nil
	}
	subscribe(t, n, "bob", "https://push.example/bob-1")

	n.notify(context.Background(), message(t, s, convID, "alice", "hi"))
}

func TestDeadSubscriptionPruned(t *testing.T) {
	n, s, convID := setup(t, stubPresence{})
	ctx := context.Background()

	n.send = func([]byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		return respond(http.StatusGone), nil
	}
	subscribe(t, n, "bob", "https://push.example/bob-dead")

	n.notify(ctx, message(t, s, convID, "alice", "hi"))

	left, err := s.Select(ctx, models.TablePushSubs, store.Where(store.Eq("account_id", "bob")), store.Order{}, 0)
	require.NoError(t, err)
	require.Empty(t, left, "a 410 endpoint must be forgotten")
}

func TestSubscribeRefreshesExistingEndpoint(t *testing.T) {
	n, s, _ := setup(t, stubPresence{})
	ctx := context.Background()

	subscribe(t, n, "bob", "https://push.example/bob-1")
	require.NoError(t, n.Subscribe(ctx, models.PushSubscription{
		AccountID: "bob",
		Endpoint:  "https://push.example/bob-1",
		P256dh:    "rotated",
		Auth:      "rotated-auth",
	}))

	subs, err := s.Select(ctx, models.TablePushSubs, store.Where(store.Eq("account_id", "bob")), store.Order{}, 0)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "rotated", subs[0]["p256dh"])
}

func TestSubscribeValidation(t *testing.T) {
	n, _, _ := setup(t, stubPresence{})
	err := n.Subscribe(context.Background(), models.PushSubscription{AccountID: "bob"})
	require.Error(t, err)
}
