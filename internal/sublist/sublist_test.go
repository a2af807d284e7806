package sublist

import (
	"fmt"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/busrelay/internal/fix"
	"nuha.dev/busrelay/internal/posstore"
)

type mockSub struct {
	mu      sync.Mutex
	backlog [][]byte
	live    [][]byte
	closed  bool
}

func (m *mockSub) Onboard(backlog [][]byte) {
	m.mu.Lock()
	m.backlog = backlog
	m.mu.Unlock()
}

func (m *mockSub) Push(d []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return true
	}
	m.live = append(m.live, d)
	return false
}

func (m *mockSub) received() ([][]byte, [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backlog, m.live
}

type discardSub struct {
	n int
}

func (d *discardSub) Onboard(backlog [][]byte) {}

func (d *discardSub) Push(data []byte) bool {
	d.n++
	return false
}

// blockingSub never drains. Its Push refuses once the queue is full.
type blockingSub struct {
	queue chan []byte
}

func (b *blockingSub) Onboard(backlog [][]byte) {}

func (b *blockingSub) Push(d []byte) bool {
	select {
	case b.queue <- d:
		return false
	default:
		return true
	}
}

func newFix(t *testing.T, s string) *fix.Fix {
	t.Helper()
	f, err := fix.NewParser(nil).Parse([]byte(s), time.Now())
	require.NoError(t, err)
	return f
}

func TestOnboardingReplaysStore(t *testing.T) {
	sl := NewSublist(posstore.New())
	for i := 0; i < 5; i++ {
		sl.Publish(newFix(t, fmt.Sprintf(`{"bus_id":"%d","lat":1,"lng":2}`, i)))
	}
	latest := newFix(t, `{"bus_id":"3","lat":9,"lng":9}`)
	sl.Publish(latest)

	sub := &mockSub{}
	sl.Subscribe(sub)
	backlog, live := sub.received()
	assert.Len(t, backlog, 5)
	assert.Empty(t, live)
	assert.Contains(t, backlog, latest.Payload())
}

func TestLiveAfterOnboarding(t *testing.T) {
	sl := NewSublist(posstore.New())
	early := &mockSub{}
	sl.Subscribe(early)

	f := newFix(t, `{"bus_id":"7","lat":1.0,"lng":2.0}`)
	sl.Publish(f)

	late := &mockSub{}
	sl.Subscribe(late)

	backlog, live := early.received()
	assert.Empty(t, backlog)
	assert.Equal(t, [][]byte{f.Payload()}, live)

	backlog, live = late.received()
	assert.Equal(t, [][]byte{f.Payload()}, backlog)
	assert.Empty(t, live, "fix already in backlog must not be pushed again")
}

func TestClosedSubscriberRemoved(t *testing.T) {
	sl := NewSublist(posstore.New())
	ok := &mockSub{}
	gone := &mockSub{closed: true}
	sl.Subscribe(ok)
	sl.Subscribe(gone)
	require.Equal(t, 2, sl.Len())

	sl.Publish(newFix(t, `{"bus_id":"1","lat":1,"lng":2}`))
	assert.Equal(t, 1, sl.Len())
	_, live := ok.received()
	assert.Len(t, live, 1)

	st := sl.Stat()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 1, st.Vehicles)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	sl := NewSublist(posstore.New())
	slow := &blockingSub{queue: make(chan []byte, 2)}
	fast := &mockSub{}
	sl.Subscribe(slow)
	sl.Subscribe(fast)

	fixes := make([]*fix.Fix, 100)
	for i := range fixes {
		fixes[i] = newFix(t, fmt.Sprintf(`{"bus_id":"%d","lat":1,"lng":2}`, i))
	}
	done := make(chan struct{})
	go func() {
		for _, f := range fixes {
			sl.Publish(f)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	_, live := fast.received()
	assert.Len(t, live, 100)
	assert.Equal(t, 1, sl.Len())
}

func TestUnsubscribe(t *testing.T) {
	sl := NewSublist(posstore.New())
	sub := &mockSub{}
	sl.Subscribe(sub)
	sl.Unsubscribe(sub)
	sl.Unsubscribe(sub)
	sl.Publish(newFix(t, `{"bus_id":"1","lat":1,"lng":2}`))
	_, live := sub.received()
	assert.Empty(t, live)
	assert.Equal(t, 0, sl.Len())
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	sl := NewSublist(posstore.New())
	fixes := make([]*fix.Fix, 50)
	for i := range fixes {
		fixes[i] = newFix(t, fmt.Sprintf(`{"bus_id":"%d","lat":1,"lng":2}`, i))
	}
	subs := make([]*mockSub, 20)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, f := range fixes {
			sl.Publish(f)
		}
	}()
	go func() {
		defer wg.Done()
		for i := range subs {
			subs[i] = &mockSub{}
			sl.Subscribe(subs[i])
		}
	}()
	wg.Wait()

	// every subscriber ends up with every vehicle exactly once
	for _, sub := range subs {
		backlog, live := sub.received()
		seen := map[string]int{}
		for _, d := range append(backlog, live...) {
			seen[string(d)]++
		}
		assert.Len(t, seen, len(fixes))
		for payload, n := range seen {
			assert.Equal(t, 1, n, payload)
		}
	}
}

// atomic 64-bit counters must stay 8-byte aligned on 32-bit platforms
func TestCounterAlignment(t *testing.T) {
	var s Sublist
	assert.Zero(t, unsafe.Offsetof(s.published)%8)
	assert.Zero(t, unsafe.Offsetof(s.delivered)%8)
	assert.Zero(t, unsafe.Offsetof(s.dropped)%8)
}

func BenchmarkPublish100(b *testing.B) {
	sl := NewSublist(posstore.New())
	for i := 0; i < 100; i++ {
		sl.Subscribe(&discardSub{n: i})
	}
	f, _ := fix.NewParser(nil).Parse([]byte(`{"bus_id":"1","lat":1,"lng":2}`), time.Now())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Publish(f)
	}
}
