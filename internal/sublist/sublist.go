package sublist

import (
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/fix"
	"nuha.dev/busrelay/internal/posstore"
)

const (
	SUBSCRIBED   string = "subscribed"
	UNSUBSCRIBED string = "unsubscribed"
	DROPPED      string = "subscriber_dropped"
)

type Subscriber interface {
	// Onboard receives the catch-up payloads before the subscriber joins the
	// list. It is called at most once and must not block.
	Onboard(backlog [][]byte)
	// Push queues a live payload without blocking. It returns true when the
	// subscriber is closed and should be removed.
	Push(data []byte) bool
}

// Sublist owns the position store and the set of open viewers. Store updates,
// snapshots and membership changes happen under one lock so a viewer sees
// each fix once, either in its backlog or live.
type Sublist struct {
	published uint64
	delivered uint64
	dropped   uint64

	mu    sync.Mutex
	list  map[Subscriber]bool
	store *posstore.Store
	log   log.Logger
}

type Stat struct {
	Subscribers int    `json:"subscribers"`
	Vehicles    int    `json:"vehicles"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

func NewSublist(store *posstore.Store) *Sublist {
	s := &Sublist{}
	s.list = make(map[Subscriber]bool)
	s.store = store
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "sublist").Value()
	return s
}

func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	snap := s.store.Snapshot()
	backlog := make([][]byte, len(snap))
	for i, f := range snap {
		backlog[i] = f.Payload()
	}
	sub.Onboard(backlog)
	s.list[sub] = true
	n := len(s.list)
	s.mu.Unlock()
	s.log.Debug().Str("event", SUBSCRIBED).Int("backlog", len(backlog)).Int("subscribers", n).Msg("")
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	_, ok := s.list[sub]
	delete(s.list, sub)
	n := len(s.list)
	s.mu.Unlock()
	if ok {
		s.log.Debug().Str("event", UNSUBSCRIBED).Int("subscribers", n).Msg("")
	}
}

// Publish stores f as the latest fix of its vehicle and pushes its payload
// to every subscriber. Closed subscribers are dropped from the list.
func (s *Sublist) Publish(f *fix.Fix) {
	data := f.Payload()
	var delivered, dropped uint64
	s.mu.Lock()
	s.store.Upsert(f.ID, f)
	for sub := range s.list {
		closed := sub.Push(data)
		if closed {
			delete(s.list, sub)
			dropped++
		} else {
			delivered++
		}
	}
	s.mu.Unlock()
	atomic.AddUint64(&s.published, 1)
	atomic.AddUint64(&s.delivered, delivered)
	if dropped != 0 {
		atomic.AddUint64(&s.dropped, dropped)
		s.log.Info().Str("event", DROPPED).Str("vehicle_id", f.ID).Uint64("count", dropped).Msg("removed closed subscribers")
	}
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Sublist) Stat() Stat {
	return Stat{
		Subscribers: s.Len(),
		Vehicles:    s.store.Len(),
		Published:   atomic.LoadUint64(&s.published),
		Delivered:   atomic.LoadUint64(&s.delivered),
		Dropped:     atomic.LoadUint64(&s.dropped),
	}
}
