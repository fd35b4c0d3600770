package friends

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"chattr/internal/apperr"
	"chattr/internal/models"
	"chattr/internal/store"
)

func setup(t *testing.T) (*Service, *store.Bbolt, string, string) {
	t.Helper()
	s, err := store.NewBbolt(filepath.Join(t.TempDir(), "friends.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	x, err := s.Insert(ctx, models.TableAccounts, store.Record{"username": "xena"})
	require.NoError(t, err)
	y, err := s.Insert(ctx, models.TableAccounts, store.Record{"username": "yuri"})
	require.NoError(t, err)

	return NewService(s), s, x["id"].(string), y["id"].(string)
}

func TestRequestSelf(t *testing.T) {
	svc, _, x, _ := setup(t)
	_, err := svc.Request(context.Background(), x, x)
	require.True(t, apperr.IsValidation(err), "self request must be a validation error, got %v", err)
}

func TestRequestAcceptCreatesConversation(t *testing.T) {
	svc, st, x, y := setup(t)
	ctx := context.Background()

	req, err := svc.Request(ctx, x, y)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, req.Status)

	answered, conv, err := svc.Respond(ctx, req.ID, y, Accept)
	require.NoError(t, err)
	require.Equal(t, models.RequestAccepted, answered.Status)
	require.NotNil(t, conv)

	// Canonical pair: lower id first.
	lo, hi := x, y
	if hi < lo {
		lo, hi = hi, lo
	}
	require.Equal(t, lo, conv.User1ID)
	require.Equal(t, hi, conv.User2ID)

	// Exactly one conversation for the pair.
	convs, err := st.Select(ctx, models.TableConversations, nil, store.Order{}, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	// Re-requesting an accepted friendship conflicts, in both directions.
	_, err = svc.Request(ctx, x, y)
	require.True(t, apperr.IsConflict(err))
	_, err = svc.Request(ctx, y, x)
	require.True(t, apperr.IsConflict(err))

	// Both accounts see each other as friends.
	fx, err := svc.FriendsOf(ctx, x)
	require.NoError(t, err)
	require.Len(t, fx, 1)
	require.Equal(t, "yuri", fx[0].Username)

	fy, err := svc.FriendsOf(ctx, y)
	require.NoError(t, err)
	require.Len(t, fy, 1)
	require.Equal(t, "xena", fy[0].Username)
}

func TestDuplicatePendingRequest(t *testing.T) {
	svc, _, x, y := setup(t)
	ctx := context.Background()

	_, err := svc.Request(ctx, x, y)
	require.NoError(t, err)

	_, err = svc.Request(ctx, x, y)
	require.True(t, apperr.IsConflict(err))

	// The counter-direction is blocked by the same pending record.
	_, err = svc.Request(ctx, y, x)
	require.True(t, apperr.IsConflict(err))
}

func TestConcurrentRequestsSinglePending(t *testing.T) {
	svc, st, x, y := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var created atomic.Int64
	for i := 0; i < 8; i++ {
		from, to := x, y
		if i%2 == 1 {
			from, to = y, x
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Request(ctx, from, to)
			if err == nil {
				created.Add(1)
			} else if !apperr.IsConflict(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, created.Load(), "exactly one request may win")

	recs, err := st.Select(ctx, models.TableFriendRequests,
		store.Where(store.Eq("status", string(models.RequestPending))), store.Order{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the pair must end up with a single pending record")
}

func TestRespondOnlyRecipient(t *testing.T) {
	svc, _, x, y := setup(t)
	ctx := context.Background()

	req, err := svc.Request(ctx, x, y)
	require.NoError(t, err)

	// The initiator cannot answer their own request.
	_, _, err = svc.Respond(ctx, req.ID, x, Accept)
	require.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
}

func TestRespondTwice(t *testing.T) {
	svc, _, x, y := setup(t)
	ctx := context.Background()

	req, err := svc.Request(ctx, x, y)
	require.NoError(t, err)

	_, _, err = svc.Respond(ctx, req.ID, y, Reject)
	require.NoError(t, err)

	_, _, err = svc.Respond(ctx, req.ID, y, Accept)
	require.True(t, apperr.IsConflict(err))
}

func TestRejectedAllowsFreshRequest(t *testing.T) {
	svc, _, x, y := setup(t)
	ctx := context.Background()

	req, err := svc.Request(ctx, x, y)
	require.NoError(t, err)

	_, conv, err := svc.Respond(ctx, req.ID, y, Reject)
	require.NoError(t, err)
	require.Nil(t, conv, "reject must not create a conversation")

	// Either party may try again after a rejection.
	again, err := svc.Request(ctx, y, x)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, again.Status)
	require.NotEqual(t, req.ID, again.ID)
}

func TestRespondMissing(t *testing.T) {
	svc, _, _, y := setup(t)
	_, _, err := svc.Respond(context.Background(), "nope", y, Accept)
	require.True(t, apperr.IsNotFound(err))
}

func TestPendingAndSentLists(t *testing.T) {
	svc, _, x, y := setup(t)
	ctx := context.Background()

	req, err := svc.Request(ctx, x, y)
	require.NoError(t, err)

	pending, err := svc.PendingFor(ctx, y)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, req.ID, pending[0].Request.ID)
	require.Equal(t, "xena", pending[0].Profile.Username)

	sent, err := svc.SentBy(ctx, x)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, "yuri", sent[0].Profile.Username)

	// Accepting empties both pending lists.
	_, _, err = svc.Respond(ctx, req.ID, y, Accept)
	require.NoError(t, err)

	pending, err = svc.PendingFor(ctx, y)
	require.NoError(t, err)
	require.Empty(t, pending)
}
