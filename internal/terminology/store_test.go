package terminology

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-orders/internal/domain/order"
)

type fakeSource struct {
	mu       sync.Mutex
	mappings []Mapping
	err      error
	calls    int
}

func (f *fakeSource) LoadMappings(ctx context.Context, sourceUUID string) ([]Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Mapping
	for _, m := range f.mappings {
		if m.SourceUUID == sourceUUID {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestStoreResolvesFromSnapshot(t *testing.T) {
	src := &fakeSource{mappings: []Mapping{
		{ConceptID: "1072", ConceptUUID: "uuid-days", SourceUUID: order.DurationSourceUUID, Code: order.DaysCode},
		{ConceptID: "1073", SourceUUID: "other", Code: order.WeeksCode},
	}}
	store := NewStore(src, DefaultConfig(), nil, nil)

	var reloaded int
	store.OnReload(func(n int) { reloaded = n })
	require.NoError(t, store.Refresh(context.Background()))
	assert.Equal(t, 1, reloaded)
	assert.False(t, store.LoadedAt().IsZero())

	code, ok := store.ReferenceTermCode(&order.Concept{ID: "1072"}, order.DurationSourceUUID)
	assert.True(t, ok)
	assert.Equal(t, order.DaysCode, code)

	code, ok = store.ReferenceTermCode(&order.Concept{UUID: "uuid-days"}, order.DurationSourceUUID)
	assert.True(t, ok)
	assert.Equal(t, order.DaysCode, code)

	_, ok = store.ReferenceTermCode(&order.Concept{ID: "1073"}, order.DurationSourceUUID)
	assert.False(t, ok)
}

func TestStoreFallsBackToEmbeddedMappings(t *testing.T) {
	store := NewStore(&fakeSource{}, DefaultConfig(), nil, nil)

	concept := &order.Concept{
		ID:       "hours",
		Mappings: []order.ConceptMapping{{SourceUUID: order.DurationSourceUUID, Code: order.HoursCode}},
	}
	code, ok := store.ReferenceTermCode(concept, order.DurationSourceUUID)
	assert.True(t, ok)
	assert.Equal(t, order.HoursCode, code)
}

func TestStoreCustomSourceUUID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SourceUUID = "local-duration-source"
	src := &fakeSource{mappings: []Mapping{
		{ConceptID: "m", SourceUUID: "local-duration-source", Code: order.MinutesCode},
	}}
	store := NewStore(src, cfg, nil, nil)
	require.NoError(t, store.Refresh(context.Background()))

	units := &order.Concept{ID: "m"}
	code, ok := order.DurationCode(units, store)
	assert.True(t, ok)
	assert.Equal(t, order.MinutesCode, code)

	d := order.NewDrugOrder()
	d.StartDate = order.Time(time.Date(2014, time.July, 1, 10, 0, 0, 0, time.UTC))
	d.Duration = order.Int(15)
	d.DurationUnits = units
	expires, err := order.ComputeAutoExpireDate(d, store)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2014, time.July, 1, 10, 15, 0, 0, time.UTC), *expires)
}

func TestStoreKeepsSnapshotOnFailure(t *testing.T) {
	src := &fakeSource{mappings: []Mapping{
		{ConceptID: "d", SourceUUID: order.DurationSourceUUID, Code: order.DaysCode},
	}}
	store := NewStore(src, DefaultConfig(), nil, nil)
	require.NoError(t, store.Refresh(context.Background()))

	src.err = errors.New("connection refused")
	assert.Error(t, store.Refresh(context.Background()))

	code, ok := store.ReferenceTermCode(&order.Concept{ID: "d"}, order.DurationSourceUUID)
	assert.True(t, ok)
	assert.Equal(t, order.DaysCode, code)
}

func TestStoreStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshInterval = 5 * time.Millisecond
	src := &fakeSource{}
	store := NewStore(src, cfg, nil, nil)

	store.Start()
	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls > 0
	}, time.Second, 5*time.Millisecond)
	store.Stop()
}
