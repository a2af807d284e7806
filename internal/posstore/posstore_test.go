package posstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/busrelay/internal/fix"
)

func mustParse(t *testing.T, p *fix.Parser, s string) *fix.Fix {
	t.Helper()
	f, err := p.Parse([]byte(s), time.Now())
	require.NoError(t, err)
	return f
}

func TestUpsertOverwrites(t *testing.T) {
	p := fix.NewParser(nil)
	s := New()
	f1 := mustParse(t, p, `{"bus_id":"7","lat":1,"lng":2,"note":"first"}`)
	f2 := mustParse(t, p, `{"bus_id":"7","lat":3,"lng":4}`)
	s.Upsert(f1.ID, f1)
	s.Upsert(f2.ID, f2)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Same(t, f2, snap[0])
	_, has_note := snap[0].Get("note")
	assert.False(t, has_note, "overwrite must not merge fields")
}

func TestSnapshotOnePerVehicle(t *testing.T) {
	p := fix.NewParser(nil)
	s := New()
	for i := 0; i < 10; i++ {
		f := mustParse(t, p, fmt.Sprintf(`{"bus_id":"%d","lat":1,"lng":2}`, i%4))
		s.Upsert(f.ID, f)
	}
	assert.Equal(t, 4, s.Len())
	ids := map[string]bool{}
	for _, f := range s.Snapshot() {
		ids[f.ID] = true
	}
	assert.Equal(t, map[string]bool{"0": true, "1": true, "2": true, "3": true}, ids)
}

func TestConcurrentUpsert(t *testing.T) {
	p := fix.NewParser(nil)
	s := New()
	fixes := make([]*fix.Fix, 100)
	for i := range fixes {
		fixes[i] = mustParse(t, p, fmt.Sprintf(`{"bus_id":%d,"lat":1,"lng":2}`, i))
	}
	wg := sync.WaitGroup{}
	for _, f := range fixes {
		wg.Add(1)
		go func(f *fix.Fix) {
			defer wg.Done()
			s.Upsert(f.ID, f)
			_ = s.Snapshot()
		}(f)
	}
	wg.Wait()
	assert.Equal(t, 100, s.Len())
}
