// Package friends implements the friendship state machine:
// none -> pending -> accepted | rejected. A rejected relationship is not
// terminal: either party may send a fresh request, creating a new pending
// record. Accepting a request atomically ensures the pair's conversation.
package friends

import (
	"context"
	"sync"
	"time"

	"chattr/internal/apperr"
	"chattr/internal/models"
	"chattr/internal/store"
)

type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

type Service struct {
	q   store.Querier
	now func() time.Time

	// requestMu serializes the existing-record scan with the insert, so
	// concurrent requests for the same pair cannot both create a pending
	// record.
	requestMu sync.Mutex
}

func NewService(q store.Querier) *Service {
	return &Service{q: q, now: time.Now}
}

// pairPred matches friend requests between a and b in either direction.
func pairPred(a, b string) store.Pred {
	return store.Where(store.Eq("sender_id", a), store.Eq("receiver_id", b)).
		Or(store.Eq("sender_id", b), store.Eq("receiver_id", a))
}

// Request sends a friend request from one account to another.
func (s *Service) Request(ctx context.Context, fromID, toID string) (models.FriendRequest, error) {
	if fromID == toID {
		return models.FriendRequest{}, apperr.Validation("cannot send a friend request to yourself")
	}

	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	existing, err := s.q.Select(ctx, models.TableFriendRequests, pairPred(fromID, toID), store.Order{Field: "created_at", Desc: true}, 0)
	if err != nil {
		return models.FriendRequest{}, apperr.Transient("failed to check existing requests", err)
	}
	for _, rec := range existing {
		switch store.FriendRequestFromRecord(rec).Status {
		case models.RequestAccepted:
			return models.FriendRequest{}, apperr.Conflict("already friends")
		case models.RequestPending:
			return models.FriendRequest{}, apperr.Conflict("a request is already pending")
		}
		// Rejected records do not block a fresh request.
	}

	req := models.FriendRequest{
		FromID:    fromID,
		ToID:      toID,
		Status:    models.RequestPending,
		UpdatedAt: s.now().UnixMilli(),
	}
	inserted, err := s.q.Insert(ctx, models.TableFriendRequests, store.FriendRequestRecord(req))
	if err != nil {
		return models.FriendRequest{}, apperr.Transient("failed to send request", err)
	}
	return store.FriendRequestFromRecord(inserted), nil
}

// Respond accepts or rejects a pending request. Only the receiving party
// may respond, and each pending request is answered at most once. On
// accept the pair's conversation is created if absent.
func (s *Service) Respond(ctx context.Context, requestID, responderID string, decision Decision) (models.FriendRequest, *models.Conversation, error) {
	recs, err := s.q.Select(ctx, models.TableFriendRequests, store.Where(store.Eq("id", requestID)), store.Order{}, 1)
	if err != nil {
		return models.FriendRequest{}, nil, apperr.Transient("failed to load request", err)
	}
	if len(recs) == 0 {
		return models.FriendRequest{}, nil, apperr.NotFound("friend request not found")
	}

	req := store.FriendRequestFromRecord(recs[0])
	if req.ToID != responderID {
		return models.FriendRequest{}, nil, apperr.Forbidden("only the recipient may respond")
	}
	if req.Status != models.RequestPending {
		return models.FriendRequest{}, nil, apperr.Conflict("request already answered")
	}

	status := models.RequestRejected
	if decision == Accept {
		status = models.RequestAccepted
	}

	// The status guard makes a concurrent double-respond lose cleanly.
	updated, err := s.q.Update(ctx, models.TableFriendRequests,
		store.Where(store.Eq("id", requestID), store.Eq("status", string(models.RequestPending))),
		store.Record{"status": string(status), "updated_at": s.now().UnixMilli()})
	if err != nil {
		return models.FriendRequest{}, nil, apperr.Transient("failed to update request", err)
	}
	if len(updated) == 0 {
		return models.FriendRequest{}, nil, apperr.Conflict("request already answered")
	}
	req = store.FriendRequestFromRecord(updated[0])

	if decision != Accept {
		return req, nil, nil
	}

	conv, err := s.ensureConversation(ctx, req.FromID, req.ToID)
	if err != nil {
		return models.FriendRequest{}, nil, err
	}
	return req, &conv, nil
}

// ensureConversation creates the canonical conversation for the pair if it
// does not exist. Exactly one conversation per accepted friendship.
func (s *Service) ensureConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	user1, user2 := a, b
	if user2 < user1 {
		user1, user2 = user2, user1
	}

	existing, err := s.q.Select(ctx, models.TableConversations,
		store.Where(store.Eq("user1_id", user1), store.Eq("user2_id", user2)), store.Order{}, 1)
	if err != nil {
		return models.Conversation{}, apperr.Transient("failed to check conversation", err)
	}
	if len(existing) > 0 {
		return store.ConversationFromRecord(existing[0]), nil
	}

	inserted, err := s.q.Insert(ctx, models.TableConversations,
		store.ConversationRecord(models.Conversation{User1ID: user1, User2ID: user2}))
	if err != nil {
		return models.Conversation{}, apperr.Transient("failed to create conversation", err)
	}
	return store.ConversationFromRecord(inserted), nil
}

// RequestWithProfile pairs a request with the counterpart's profile for
// list rendering.
type RequestWithProfile struct {
	Request models.FriendRequest `json:"request"`
	Profile models.Account       `json:"profile"`
}

// PendingFor lists pending requests received by the account.
func (s *Service) PendingFor(ctx context.Context, accountID string) ([]RequestWithProfile, error) {
	recs, err := s.q.Select(ctx, models.TableFriendRequests,
		store.Where(store.Eq("receiver_id", accountID), store.Eq("status", string(models.RequestPending))),
		store.Order{Field: "created_at"}, 0)
	if err != nil {
		return nil, apperr.Transient("failed to list requests", err)
	}
	return s.withProfiles(ctx, recs, func(r models.FriendRequest) string { return r.FromID })
}

// SentBy lists pending requests the account has sent.
func (s *Service) SentBy(ctx context.Context, accountID string) ([]RequestWithProfile, error) {
	recs, err := s.q.Select(ctx, models.TableFriendRequests,
		store.Where(store.Eq("sender_id", accountID), store.Eq("status", string(models.RequestPending))),
		store.Order{Field: "created_at"}, 0)
	if err != nil {
		return nil, apperr.Transient("failed to list requests", err)
	}
	return s.withProfiles(ctx, recs, func(r models.FriendRequest) string { return r.ToID })
}

func (s *Service) withProfiles(ctx context.Context, recs []store.Record, other func(models.FriendRequest) string) ([]RequestWithProfile, error) {
	out := make([]RequestWithProfile, 0, len(recs))
	for _, rec := range recs {
		req := store.FriendRequestFromRecord(rec)
		profile, err := s.account(ctx, other(req))
		if err != nil {
			return nil, err
		}
		out = append(out, RequestWithProfile{Request: req, Profile: profile})
	}
	return out, nil
}

// FriendsOf returns all accounts linked to the given one by an accepted
// request.
func (s *Service) FriendsOf(ctx context.Context, accountID string) ([]models.Account, error) {
	pred := store.Where(store.Eq("sender_id", accountID), store.Eq("status", string(models.RequestAccepted))).
		Or(store.Eq("receiver_id", accountID), store.Eq("status", string(models.RequestAccepted)))
	recs, err := s.q.Select(ctx, models.TableFriendRequests, pred, store.Order{Field: "updated_at"}, 0)
	if err != nil {
		return nil, apperr.Transient("failed to list friendships", err)
	}

	var friends []models.Account
	for _, rec := range recs {
		req := store.FriendRequestFromRecord(rec)
		otherID := req.FromID
		if otherID == accountID {
			otherID = req.ToID
		}
		account, err := s.account(ctx, otherID)
		if err != nil {
			return nil, err
		}
		friends = append(friends, account)
	}
	return friends, nil
}

func (s *Service) account(ctx context.Context, id string) (models.Account, error) {
	recs, err := s.q.Select(ctx, models.TableAccounts, store.Where(store.Eq("id", id)), store.Order{}, 1)
	if err != nil {
		return models.Account{}, apperr.Transient("failed to load account", err)
	}
	if len(recs) == 0 {
		return models.Account{}, apperr.NotFound("account not found")
	}
	return store.AccountFromRecord(recs[0]), nil
}
