// Package attachments resolves stored file references into time-limited
// fetchable URLs. Resolution is lazy: expired entries fall out of the cache
// and are re-resolved on the next access. Failures degrade to an
// unresolved state instead of propagating, so a timeline load never fails
// because one attachment cannot be signed.
package attachments

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/sync/singleflight"

	"chattr/internal/models"
)

const resolveTimeout = 5 * time.Second

// Signer mints signed URLs; satisfied by the blob store.
type Signer interface {
	SignedURL(path string, ttl time.Duration) (string, error)
}

type State int

const (
	// StatePending means the reference could not be resolved right now;
	// the caller should render a loading placeholder and retry on access.
	StatePending State = iota
	// StateResolved carries a fetchable URL.
	StateResolved
	// StateMissing marks a reference whose object is gone. Never retried.
	StateMissing
)

type Resolved struct {
	URL   string `json:"url,omitempty"`
	State State  `json:"state"`
}

type Resolver struct {
	signer Signer
	ttl    time.Duration

	// urls expires before the signature does, so consumers never hold a
	// URL past its validity.
	urls    geche.Geche[string, string]
	missing geche.Geche[string, bool]
	group   singleflight.Group
}

func NewResolver(ctx context.Context, signer Signer, ttl time.Duration) *Resolver {
	cacheTTL := ttl - ttl/10
	return &Resolver{
		signer:  signer,
		ttl:     ttl,
		urls:    geche.NewMapTTLCache[string, string](ctx, cacheTTL, time.Minute),
		missing: geche.NewMapCache[string, bool](),
	}
}

// Resolve turns a stored reference into a fetchable URL. Absolute URLs pass
// through unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) Resolved {
	if ref == "" {
		return Resolved{State: StateMissing}
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return Resolved{URL: ref, State: StateResolved}
	}

	if _, err := r.missing.Get(ref); err == nil {
		return Resolved{State: StateMissing}
	}
	if url, err := r.urls.Get(ref); err == nil {
		return Resolved{URL: url, State: StateResolved}
	}

	type result struct {
		url     string
		missing bool
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	// The closure caches its own outcome, so the work is kept even when
	// every waiter times out before it finishes.
	ch := r.group.DoChan(ref, func() (any, error) {
		url, err := r.signer.SignedURL(ref, r.ttl)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				r.missing.Set(ref, true)
				return result{missing: true}, nil
			}
			return result{}, err
		}
		r.urls.Set(ref, url)
		return result{url: url}, nil
	})

	select {
	case <-ctx.Done():
		// Bounded wait: the in-flight resolution finishes into the cache
		// for the next access; render a placeholder now.
		return Resolved{State: StatePending}
	case res := <-ch:
		if res.Err != nil {
			slog.Warn("attachment resolution failed", "ref", ref, "error", res.Err)
			return Resolved{State: StatePending}
		}
		v := res.Val.(result)
		if v.missing {
			return Resolved{State: StateMissing}
		}
		return Resolved{URL: v.url, State: StateResolved}
	}
}
