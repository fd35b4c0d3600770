package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"chattr/internal/models"
)

var tables = []models.Table{
	models.TableAccounts,
	models.TableFriendRequests,
	models.TableConversations,
	models.TableMessages,
	models.TablePushSubs,
}

// Bbolt is the embedded implementation of Store. Each table is a bucket
// keyed by record id with msgpack-encoded values.
type Bbolt struct {
	db *bbolt.DB
	*feed

	now func() time.Time
}

func NewBbolt(path string) (*Bbolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, table := range tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Bbolt{
		db:   db,
		feed: newFeed(),
		now:  time.Now,
	}, nil
}

func (s *Bbolt) Close() error {
	return s.db.Close()
}

// Insert stores a new record, assigning id and created_at when absent.
// Message timestamps are non-decreasing within a conversation so timeline
// ordering is stable.
func (s *Bbolt) Insert(ctx context.Context, table models.Table, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec = rec.Clone()
	if _, ok := rec["id"].(string); !ok {
		rec["id"] = uuid.NewString()
	}
	if _, ok := rec["created_at"]; !ok {
		rec["created_at"] = s.now().UnixMilli()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("unknown table %s", table)
		}

		id := rec["id"].(string)
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("duplicate id %s in table %s", id, table)
		}

		if table == models.TableMessages {
			if err := clampTimestamp(tx, rec); err != nil {
				return err
			}
		}

		data, err := msgpack.Marshal(map[string]any(rec))
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}

	s.publish(models.Event{Type: models.EventInsert, Table: table, Record: rec})
	return rec, nil
}

// clampTimestamp keeps message created_at non-decreasing within its
// conversation. The high-water mark lives on the conversation record and is
// advanced in the same transaction, without publishing a conversation
// update: the message insert event is the signal.
func clampTimestamp(tx *bbolt.Tx, rec Record) error {
	convID, _ := rec["conversation_id"].(string)
	if convID == "" {
		return fmt.Errorf("message missing conversation_id")
	}

	convBucket := tx.Bucket([]byte(models.TableConversations))
	data := convBucket.Get([]byte(convID))
	if data == nil {
		return fmt.Errorf("conversation %s not found for message insert", convID)
	}

	var conv Record
	if err := msgpack.Unmarshal(data, (*map[string]any)(&conv)); err != nil {
		return fmt.Errorf("corrupt conversation %s: %w", convID, err)
	}

	ts, _ := toInt64(rec["created_at"])
	if last, ok := toInt64(conv["last_message_at"]); ok && ts < last {
		ts = last
		rec["created_at"] = ts
	}

	conv["last_message_at"] = ts
	updated, err := msgpack.Marshal(map[string]any(conv))
	if err != nil {
		return err
	}
	return convBucket.Put([]byte(convID), updated)
}

// Update applies patch to every record matching pred and publishes one
// update event per changed record.
func (s *Bbolt) Update(ctx context.Context, table models.Table, pred Pred, patch Record) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated []Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("unknown table %s", table)
		}

		var pending []Record
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, (*map[string]any)(&rec)); err != nil {
				return fmt.Errorf("corrupt record %s: %w", string(k), err)
			}
			if !pred.Match(rec) {
				return nil
			}
			for field, value := range patch {
				rec[field] = value
			}
			pending = append(pending, rec)
			return nil
		})
		if err != nil {
			return err
		}

		for _, rec := range pending {
			data, err := msgpack.Marshal(map[string]any(rec))
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			if err := b.Put([]byte(rec["id"].(string)), data); err != nil {
				return err
			}
		}
		updated = pending
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, rec := range updated {
		s.publish(models.Event{Type: models.EventUpdate, Table: table, Record: rec})
	}
	return updated, nil
}

// Delete removes every record matching pred and returns how many went.
// No event is published for deletions.
func (s *Bbolt) Delete(ctx context.Context, table models.Table, pred Pred) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("unknown table %s", table)
		}

		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, (*map[string]any)(&rec)); err != nil {
				return fmt.Errorf("corrupt record %s: %w", string(k), err)
			}
			if pred.Match(rec) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Select returns records matching pred, sorted by order, capped at limit
// (0 means no cap).
func (s *Bbolt) Select(ctx context.Context, table models.Table, pred Pred, order Order, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var recs []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("unknown table %s", table)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, (*map[string]any)(&rec)); err != nil {
				return fmt.Errorf("corrupt record %s: %w", string(k), err)
			}
			if pred.Match(rec) {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortRecords(recs, order)
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
