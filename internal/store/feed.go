package store

import (
	"log/slog"
	"sync"

	"chattr/internal/models"
)

const subscriptionBuffer = 256

// Subscription is the handle returned by Subscribe. It is owned by the
// subscribing view's lifetime: Close releases it and closes C.
type Subscription struct {
	C <-chan models.Event

	ch    chan models.Event
	close func()
	once  sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(s.close)
}

type subscriber struct {
	table models.Table
	types map[models.EventType]bool
	pred  Pred
	ch    chan models.Event
}

// feed fans committed events out to matching subscribers.
type feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

func newFeed() *feed {
	return &feed{subs: make(map[int]*subscriber)}
}

func (f *feed) Subscribe(table models.Table, types []models.EventType, pred Pred) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &subscriber{
		table: table,
		types: make(map[models.EventType]bool, len(types)),
		pred:  pred,
		ch:    make(chan models.Event, subscriptionBuffer),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = sub

	return &Subscription{
		C:  sub.ch,
		ch: sub.ch,
		close: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub.ch)
			}
		},
	}
}

func (f *feed) publish(event models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		if sub.table != event.Table {
			continue
		}
		if len(sub.types) > 0 && !sub.types[event.Type] {
			continue
		}
		if !sub.pred.Match(event.Record) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow consumer. Delivery is at-least-once, not lossless.
			slog.Warn("feed subscriber full, dropping event",
				"table", event.Table, "type", event.Type)
		}
	}
}
