package inbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chattr/internal/models"
	"chattr/internal/store"
)

type fixture struct {
	store   *store.Bbolt
	index   *Index
	viewer  string
	friendA string
	friendB string
	convA   string
	convB   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewBbolt(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	mk := func(username string) string {
		rec, err := s.Insert(ctx, models.TableAccounts, store.Record{"username": username, "display_name": username})
		require.NoError(t, err)
		return rec["id"].(string)
	}
	viewer, friendA, friendB := mk("me"), mk("ana"), mk("bo")

	mkConv := func(other string) string {
		u1, u2 := viewer, other
		if u2 < u1 {
			u1, u2 = u2, u1
		}
		rec, err := s.Insert(ctx, models.TableConversations, store.Record{"user1_id": u1, "user2_id": u2})
		require.NoError(t, err)
		return rec["id"].(string)
	}
	convA, convB := mkConv(friendA), mkConv(friendB)

	return &fixture{
		store: s, index: New(viewer, s),
		viewer: viewer, friendA: friendA, friendB: friendB,
		convA: convA, convB: convB,
	}
}

// send inserts a message; ts pins created_at so ordering in assertions is
// not at the mercy of the wall clock (0 lets the store assign it).
func (f *fixture) send(t *testing.T, convID, sender, text string, ts int64) models.Message {
	t.Helper()
	rec, err := f.store.Insert(context.Background(), models.TableMessages, store.MessageRecord(models.Message{
		ConversationID: convID,
		SenderID:       sender,
		Type:           models.MessageText,
		Content:        text,
		CreatedAt:      ts,
	}))
	require.NoError(t, err)
	return store.MessageFromRecord(rec)
}

func TestRefresh(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.send(t, f.convA, f.friendA, "hello", 1000)
	f.send(t, f.convA, f.friendA, "again", 2000)
	f.send(t, f.convB, f.viewer, "my own", 3000)

	require.NoError(t, f.index.Refresh(ctx))
	entries := f.index.Snapshot()
	require.Len(t, entries, 2)

	// convB has the newest activity.
	require.Equal(t, f.convB, entries[0].Conversation.ID)
	require.Equal(t, 0, entries[0].Unread, "own messages never count as unread")
	require.Equal(t, "my own", entries[0].LastMessage.Text)

	require.Equal(t, f.convA, entries[1].Conversation.ID)
	require.Equal(t, 2, entries[1].Unread)
	require.Equal(t, "ana", entries[1].Other.Username)
}

func TestRankingByLastActivity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.send(t, f.convA, f.friendA, "t1", 1000)
	require.NoError(t, f.index.Refresh(ctx))
	require.Equal(t, f.convA, f.index.Snapshot()[0].Conversation.ID)

	// New activity in B must move it above A, via the incremental path.
	msg := f.send(t, f.convB, f.friendB, "t2", 2000)
	require.True(t, f.index.ApplyMessage(msg))

	entries := f.index.Snapshot()
	require.Equal(t, f.convB, entries[0].Conversation.ID)
	require.Equal(t, f.convA, entries[1].Conversation.ID)
}

func TestApplyMessageIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.index.Refresh(ctx))

	msg := f.send(t, f.convA, f.friendA, "hi", 0)
	require.True(t, f.index.ApplyMessage(msg))
	require.True(t, f.index.ApplyMessage(msg)) // duplicate push event

	require.Equal(t, 1, f.index.Unread(f.convA))
}

func TestApplyReadAndClear(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m1 := f.send(t, f.convA, f.friendA, "a", 1000)
	m2 := f.send(t, f.convA, f.friendA, "b", 2000)
	require.NoError(t, f.index.Refresh(ctx))
	require.Equal(t, 2, f.index.Unread(f.convA))

	f.index.ApplyRead(f.convA, []string{m1.ID})
	require.Equal(t, 1, f.index.Unread(f.convA))

	// Replays are harmless.
	f.index.ApplyRead(f.convA, []string{m1.ID})
	require.Equal(t, 1, f.index.Unread(f.convA))

	f.index.ClearUnread(f.convA)
	require.Equal(t, 0, f.index.Unread(f.convA))

	// The read echo for m2 arriving later changes nothing further.
	m2.Read = true
	require.True(t, f.index.ApplyMessageUpdate(m2))
	require.Equal(t, 0, f.index.Unread(f.convA))
}

func TestEnsureUnknownConversation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.index.Refresh(ctx))

	// A conversation created after the refresh.
	rec, err := f.store.Insert(ctx, models.TableConversations, store.Record{"user1_id": f.viewer, "user2_id": "someone"})
	require.NoError(t, err)
	convID := rec["id"].(string)

	msg := f.send(t, convID, "someone", "new conv", 0)
	require.False(t, f.index.ApplyMessage(msg), "unknown conversation must be reported")

	require.NoError(t, f.index.Ensure(ctx, convID))
	entries := f.index.Snapshot()
	require.Equal(t, convID, entries[0].Conversation.ID)
	require.Equal(t, 1, entries[0].Unread)
}

func TestForeignConversationIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.index.Refresh(ctx))

	rec, err := f.store.Insert(ctx, models.TableConversations, store.Record{"user1_id": f.friendA, "user2_id": f.friendB})
	require.NoError(t, err)

	conv := store.ConversationFromRecord(rec)
	require.NoError(t, f.index.ApplyConversation(ctx, conv))
	require.Len(t, f.index.Snapshot(), 2, "a conversation between other users must not appear")
}

func TestEmptyConversationUsesCreationTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.index.Refresh(ctx))

	entries := f.index.Snapshot()
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Nil(t, e.LastMessage)
	}

	// Creation time ranks empty conversations; equal stamps fall back to
	// the id tiebreak.
	a, b := entries[0], entries[1]
	if a.Conversation.CreatedAt == b.Conversation.CreatedAt {
		require.Less(t, a.Conversation.ID, b.Conversation.ID)
	} else {
		require.Greater(t, a.Conversation.CreatedAt, b.Conversation.CreatedAt)
	}
}
