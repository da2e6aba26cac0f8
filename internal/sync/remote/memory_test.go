package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

func write(data string, clientTS int64) TransactFunc {
	return func(*Document) (*Document, error) {
		return &Document{Data: []byte(data), ClientTS: clientTS}, nil
	}
}

func TestMemoryGateway_transactStampsServerTime(t *testing.T) {
	clock := time.UnixMilli(50_000)
	g := NewMemoryGateway(WithServerClock(func() time.Time { return clock }))
	ctx := context.Background()

	doc, err := g.Transact(ctx, "u1", models.KindWeightEntry, "w1", write(`{"weight":"70"}`, 10))
	require.NoError(t, err)
	assert.Equal(t, "w1", doc.ID)
	assert.Equal(t, int64(50_000), doc.ServerTS)
	assert.Equal(t, int64(10), doc.ClientTS)

	// Same clock reading: server time still moves forward.
	doc, err = g.Transact(ctx, "u1", models.KindWeightEntry, "w1", write(`{"weight":"71"}`, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(50_001), doc.ServerTS)

	// Users are isolated.
	_, ok := g.Lookup("u2", models.KindWeightEntry, "w1")
	assert.False(t, ok)
}

func TestMemoryGateway_transactSeesCurrent(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	_, err := g.Transact(ctx, "u1", models.KindFoodEntry, "f1", func(cur *Document) (*Document, error) {
		assert.Nil(t, cur)
		return &Document{Data: []byte(`{}`)}, nil
	})
	require.NoError(t, err)

	stored, err := g.Transact(ctx, "u1", models.KindFoodEntry, "f1", func(cur *Document) (*Document, error) {
		require.NotNil(t, cur)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(stored.Data), "nil write leaves the document unchanged")
}

func TestMemoryGateway_deleteIdempotent(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	g.Put("u1", models.KindFavoriteFood, Document{ID: "fav", Data: []byte(`{}`)})

	require.NoError(t, g.Delete(ctx, "u1", models.KindFavoriteFood, "fav"))
	require.NoError(t, g.Delete(ctx, "u1", models.KindFavoriteFood, "fav"))
	assert.Equal(t, 0, g.Len("u1", models.KindFavoriteFood))
}

func TestMemoryGateway_listRange(t *testing.T) {
	g := NewMemoryGateway()
	for i, id := range []string{"c", "a", "b"} {
		g.Put("u1", models.KindFoodEntry, Document{ID: id, Data: []byte(`{}`), OccurredAt: int64(1000 * (i + 1))})
	}

	all, err := g.ListRange(context.Background(), "u1", models.KindFoodEntry, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].ID, all[1].ID, all[2].ID})

	recent, err := g.ListRange(context.Background(), "u1", models.KindFoodEntry, 2000)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestMemoryGateway_faultsAndUnknownCollections(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	_, err := g.Transact(ctx, "u1", models.Kind("recipes"), "r1", write(`{}`, 1))
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownCollection))

	g.SetFault(Unavailable)
	err = g.Delete(ctx, "u1", models.KindFoodEntry, "f1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNoNetwork))

	boom := errors.New("boom")
	g.SetFault(func(op string, _ models.Kind, id string) error {
		if op == "transact" && id == "bad" {
			return boom
		}
		return nil
	})
	_, err = g.Transact(ctx, "u1", models.KindFoodEntry, "bad", write(`{}`, 1))
	assert.ErrorIs(t, err, boom)
	_, err = g.Transact(ctx, "u1", models.KindFoodEntry, "good", write(`{}`, 1))
	assert.NoError(t, err)
}

func TestMemoryGateway_latencyHonoursContext(t *testing.T) {
	g := NewMemoryGateway(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Transact(ctx, "u1", models.KindFoodEntry, "f1", write(`{}`, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := g.Lookup("u1", models.KindFoodEntry, "f1")
	assert.False(t, ok)
}

func TestMemoryGateway_peakInFlight(t *testing.T) {
	g := NewMemoryGateway(WithLatency(30 * time.Millisecond))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.Transact(ctx, "u1", models.KindFoodEntry, string(rune('a'+i)), write(`{}`, 1))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, g.Calls())
	assert.GreaterOrEqual(t, g.PeakInFlight(), 2)
	assert.LessOrEqual(t, g.PeakInFlight(), 4)
}

func TestMemoryGateway_compareAndPut(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	first, err := g.CompareAndPut(ctx, "u1", models.KindEatingPlan, "p1", 0, Document{Data: []byte(`{"v":1}`)})
	require.NoError(t, err)

	_, err = g.CompareAndPut(ctx, "u1", models.KindEatingPlan, "p1", 0, Document{Data: []byte(`{"v":2}`)})
	assert.ErrorIs(t, err, ErrPrecondition, "create over an existing document")

	_, err = g.CompareAndPut(ctx, "u1", models.KindEatingPlan, "p1", first.ServerTS+99, Document{Data: []byte(`{"v":2}`)})
	assert.ErrorIs(t, err, ErrPrecondition, "stale version")

	second, err := g.CompareAndPut(ctx, "u1", models.KindEatingPlan, "p1", first.ServerTS, Document{Data: []byte(`{"v":2}`)})
	require.NoError(t, err)
	assert.Greater(t, second.ServerTS, first.ServerTS)

	_, err = g.CompareAndPut(ctx, "u1", models.KindEatingPlan, "p1", AnyVersion, Document{Data: []byte(`{"v":3}`)})
	assert.NoError(t, err)
}

func TestStaticAuth(t *testing.T) {
	id, err := StaticAuth("u1").UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = StaticAuth("").UserID(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))
}
