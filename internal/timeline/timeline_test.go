package timeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chattr/internal/attachments"
	"chattr/internal/models"
	"chattr/internal/store"
)

type stubResolver struct {
	state attachments.State
}

func (r stubResolver) Resolve(_ context.Context, ref string) attachments.Resolved {
	if r.state == attachments.StateResolved {
		return attachments.Resolved{URL: "http://localhost/files/" + ref, State: attachments.StateResolved}
	}
	return attachments.Resolved{State: r.state}
}

func setup(t *testing.T) (*Timeline, *store.Bbolt, string) {
	t.Helper()
	s, err := store.NewBbolt(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	conv, err := s.Insert(context.Background(), models.TableConversations,
		store.Record{"user1_id": "viewer", "user2_id": "other"})
	require.NoError(t, err)
	convID := conv["id"].(string)

	return New(convID, "viewer", s, stubResolver{state: attachments.StateResolved}), s, convID
}

func insertMsg(t *testing.T, s *store.Bbolt, convID, sender, text string) models.Message {
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

func TestLoadOrdering(t *testing.T) {
	tl, s, convID := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertMsg(t, s, convID, "other", fmt.Sprintf("msg %d", i))
	}
	require.NoError(t, tl.Load(ctx))

	entries := tl.Snapshot()
	require.Len(t, entries, 5)
	var prev int64
	for _, e := range entries {
		require.GreaterOrEqual(t, e.CreatedAt, prev)
		prev = e.CreatedAt
	}
	require.Equal(t, "msg 0", entries[0].Content)
}

func TestAppendDeduplicates(t *testing.T) {
	tl, s, convID := setup(t)
	ctx := context.Background()
	require.NoError(t, tl.Load(ctx))

	msg := insertMsg(t, s, convID, "other", "hi")

	require.True(t, tl.Append(ctx, msg))
	// Duplicate push insert: timeline length unchanged.
	require.False(t, tl.Append(ctx, msg))
	require.Equal(t, 1, tl.Len())
}

func TestAppendDistinctIDs(t *testing.T) {
	tl, s, convID := setup(t)
	ctx := context.Background()
	require.NoError(t, tl.Load(ctx))

	ids := map[string]bool{}
	for i := 0; i < 10; i++ {
		msg := insertMsg(t, s, convID, "other", "m")
		ids[msg.ID] = true
		tl.Append(ctx, msg)
		tl.Append(ctx, msg) // replay
	}
	require.Equal(t, len(ids), tl.Len())
}

func TestOptimisticConfirm(t *testing.T) {
	tl, s, convID := setup(t)
	ctx := context.Background()
	require.NoError(t, tl.Load(ctx))

	localID := tl.AppendLocal(models.Message{Type: models.MessageText, Content: "hello"})
	require.Equal(t, 1, tl.Len())

	entries := tl.Snapshot()
	require.Equal(t, StatusPending, entries[0].Status)
	require.Equal(t, "viewer", entries[0].SenderID)

	confirmed := insertMsg(t, s, convID, "viewer", "hello")
	tl.Confirm(ctx, localID, confirmed)

	entries = tl.Snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, StatusSent, entries[0].Status)
	require.Equal(t, confirmed.ID, entries[0].ID)
	require.Empty(t, entries[0].LocalID)
}

func TestConfirmAfterPushEcho(t *testing.T) {
	tl, s, convID := setup(t)
	ctx := context.Background()
	require.NoError(t, tl.Load(ctx))

	localID := tl.AppendLocal(models.Message{Type: models.MessageText, Content: "hello"})

	// The push echo lands before the insert call returns.
	confirmed := insertMsg(t, s, convID, "viewer", "hello")
	tl.Append(ctx, confirmed)
	require.Equal(t, 2, tl.Len())

	// Confirm must drop the placeholder, not duplicate the message.
	tl.Confirm(ctx, localID, confirmed)
	require.Equal(t, 1, tl.Len())
	require.Equal(t, confirmed.ID, tl.Snapshot()[0].ID)
}

func TestFailAndRetry(t *testing.T) {
	tl, _, _ := setup(t)

	localID := tl.AppendLocal(models.Message{Type: models.MessageText, Content: "offline"})
	tl.Fail(localID)
	require.Equal(t, StatusFailed, tl.Snapshot()[0].Status)

	draft, ok := tl.Draft(localID)
	require.True(t, ok)
	require.Equal(t, "offline", draft.Content)

	tl.Retry(localID)
	require.Equal(t, StatusPending, tl.Snapshot()[0].Status)
}

func TestMarkReadIdempotent(t *testing.T) {
	tl, s, convID := setup(t)
	ctx := context.Background()

	insertMsg(t, s, convID, "other", "a")
	insertMsg(t, s, convID, "other", "b")
	insertMsg(t, s, convID, "viewer", "mine")
	require.NoError(t, tl.Load(ctx))

	require.Equal(t, 2, tl.Unread())

	ids := tl.MarkRead()
	require.Len(t, ids, 2)
	require.Equal(t, 0, tl.Unread())

	// Second call is a no-op with the same resulting unread count.
	require.Empty(t, tl.MarkRead())
	require.Equal(t, 0, tl.Unread())
}

func TestApplyReadMonotonic(t *testing.T) {
	tl, s, convID := setup(t)
	ctx := context.Background()

	msg := insertMsg(t, s, convID, "viewer", "sent by me")
	require.NoError(t, tl.Load(ctx))

	require.True(t, tl.ApplyRead(msg.ID))
	require.True(t, tl.Snapshot()[0].Read)

	// Unknown ids are reported so the dispatcher can buffer the update.
	require.False(t, tl.ApplyRead("unknown"))
}

func TestLoadDegradedAttachment(t *testing.T) {
	s, err := store.NewBbolt(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	conv, err := s.Insert(ctx, models.TableConversations, store.Record{"user1_id": "a", "user2_id": "b"})
	require.NoError(t, err)
	convID := conv["id"].(string)

	_, err = s.Insert(ctx, models.TableMessages, store.MessageRecord(models.Message{
		ConversationID: convID,
		SenderID:       "b",
		Type:           models.MessageFile,
		Attachment:     &models.Attachment{Path: convID + "/x.png", MimeType: "image/png", Name: "x.png"},
	}))
	require.NoError(t, err)

	tl := New(convID, "a", s, stubResolver{state: attachments.StatePending})
	require.NoError(t, tl.Load(ctx), "one broken attachment must not fail the load")

	entries := tl.Snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, attachments.StatePending, entries[0].FileURL.State)
}

func TestGroupByDay(t *testing.T) {
	day := func(offset int) int64 {
		return time.Date(2025, 3, 10+offset, 12, 0, 0, 0, time.Local).UnixMilli()
	}

	entries := []Entry{
		{Message: models.Message{ID: "1", CreatedAt: day(0)}},
		{Message: models.Message{ID: "2", CreatedAt: day(0)}},
		{Message: models.Message{ID: "3", CreatedAt: day(1)}},
		{Message: models.Message{ID: "4", CreatedAt: day(3)}},
	}

	days := GroupByDay(entries)
	require.Len(t, days, 3)
	require.Len(t, days[0].Entries, 2)
	require.Len(t, days[1].Entries, 1)
	require.Len(t, days[2].Entries, 1)
	require.Equal(t, 10, days[0].Date.Day())
	require.Equal(t, 13, days[2].Date.Day())

	require.Empty(t, GroupByDay(nil))
}
