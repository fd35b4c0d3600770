// Package store implements the persistence query surface and the push
// subscription surface the sync core depends on: generic insert/update/select
// over named tables with equality, disjunction and not-equal predicates, and
// a feed of insert/update events published after every commit.
package store

import (
	"context"
	"sort"

	"chattr/internal/models"
)

// Record is one row of a table. Values are strings, bools or int64s.
type Record map[string]any

// Clone returns a shallow copy so callers can patch without aliasing.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
)

type Cond struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Cond  { return Cond{Field: field, Op: OpEq, Value: value} }
func Neq(field string, value any) Cond { return Cond{Field: field, Op: OpNeq, Value: value} }

// Pred is a disjunction of conjunctions. A nil Pred matches every record.
type Pred [][]Cond

// Where starts a predicate with a single AND group.
func Where(conds ...Cond) Pred {
	return Pred{conds}
}

// Or adds another AND group to the disjunction.
func (p Pred) Or(conds ...Cond) Pred {
	return append(p, conds)
}

func (p Pred) Match(rec Record) bool {
	if len(p) == 0 {
		return true
	}
	for _, group := range p {
		if matchAll(group, rec) {
			return true
		}
	}
	return false
}

func matchAll(conds []Cond, rec Record) bool {
	for _, c := range conds {
		eq := valueEqual(rec[c.Field], c.Value)
		if c.Op == OpEq && !eq {
			return false
		}
		if c.Op == OpNeq && eq {
			return false
		}
	}
	return true
}

// valueEqual compares loosely typed record values. Integers are normalized
// because msgpack decoding does not preserve the original width.
func valueEqual(a, b any) bool {
	if ai, ok := toInt64(a); ok {
		bi, ok := toInt64(b)
		return ok && ai == bi
	}
	return a == b
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Order names the field results are sorted by. Ties are broken by id so
// listings are deterministic.
type Order struct {
	Field string
	Desc  bool
}

func sortRecords(recs []Record, order Order) {
	if order.Field == "" {
		order.Field = "id"
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i][order.Field], recs[j][order.Field]
		if less, eq := valueLess(a, b); !eq {
			if order.Desc {
				return !less
			}
			return less
		}
		ai, _ := recs[i]["id"].(string)
		bi, _ := recs[j]["id"].(string)
		return ai < bi
	})
}

func valueLess(a, b any) (less, equal bool) {
	if ai, ok := toInt64(a); ok {
		if bi, ok := toInt64(b); ok {
			return ai < bi, ai == bi
		}
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs, as == bs
}

// Querier is the persistence query surface.
type Querier interface {
	Insert(ctx context.Context, table models.Table, rec Record) (Record, error)
	Update(ctx context.Context, table models.Table, pred Pred, patch Record) ([]Record, error)
	Select(ctx context.Context, table models.Table, pred Pred, order Order, limit int) ([]Record, error)
}

// Deleter removes records. Only maintenance paths use it (dead push
// subscriptions); domain records are never deleted, only updated.
type Deleter interface {
	Delete(ctx context.Context, table models.Table, pred Pred) (int, error)
}

// Feed is the push subscription surface. Delivery is at-least-once; slow
// consumers lose events rather than blocking the publisher, so downstream
// components must merge idempotently.
type Feed interface {
	Subscribe(table models.Table, types []models.EventType, pred Pred) *Subscription
}

// Store combines the two collaborator surfaces.
type Store interface {
	Querier
	Feed
}
