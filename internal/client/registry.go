package client

import (
	"context"
	"sync"

	"chattr/internal/auth"
	"chattr/internal/blob"
	"chattr/internal/friends"
	"chattr/internal/timeline"
)

// Registry hands out one Session per signed-in account, created lazily on
// first use and torn down when the account signs off everywhere.
type Registry struct {
	st       Store
	blobs    blob.ObjectStore
	resolver timeline.Resolver
	accounts *auth.Service
	friends  *friends.Service
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry wires the registry into the auth service: a sign-off drops
// the account's session.
func NewRegistry(st Store, blobs blob.ObjectStore, resolver timeline.Resolver, accounts *auth.Service, friendsService *friends.Service, opts Options) *Registry {
	r := &Registry{
		st:       st,
		blobs:    blobs,
		resolver: resolver,
		accounts: accounts,
		friends:  friendsService,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	accounts.OnSessionChange(func(accountID string, signedIn bool) {
		if !signedIn {
			r.Drop(accountID)
		}
	})
	return r
}

// Session returns the account's session, creating and starting it on
// first use.
func (r *Registry) Session(ctx context.Context, accountID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[accountID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Build outside the lock: Refresh hits the store.
	s, err := Open(ctx, accountID, r.st, r.blobs, r.resolver, r.accounts, r.friends, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[accountID]; ok {
		// Lost a race with a concurrent first request.
		go s.Close()
		return existing, nil
	}
	r.sessions[accountID] = s
	return s, nil
}

// Drop closes and forgets the account's session.
func (r *Registry) Drop(accountID string) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	if ok {
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
