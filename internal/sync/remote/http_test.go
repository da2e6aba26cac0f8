package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

func newHTTPPair(t *testing.T) (*HTTPGateway, *MemoryGateway) {
	t.Helper()
	backend := NewMemoryGateway()
	srv := httptest.NewServer(NewServer(backend).Handler())
	t.Cleanup(srv.Close)
	return NewHTTPGateway(srv.URL+"/", srv.Client()), backend
}

func TestHTTPGateway_transactRoundTrip(t *testing.T) {
	g, backend := newHTTPPair(t)
	ctx := context.Background()

	doc, err := g.Transact(ctx, "u1", models.KindWeightEntry, "w1", func(cur *Document) (*Document, error) {
		assert.Nil(t, cur)
		return &Document{Data: []byte(`{"weight":"70.5"}`), ClientTS: 42, OccurredAt: 1000}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "w1", doc.ID)
	assert.NotZero(t, doc.ServerTS)

	stored, ok := backend.Lookup("u1", models.KindWeightEntry, "w1")
	require.True(t, ok)
	assert.JSONEq(t, `{"weight":"70.5"}`, string(stored.Data))
	assert.Equal(t, int64(42), stored.ClientTS)

	// Second transaction sees the stored version.
	_, err = g.Transact(ctx, "u1", models.KindWeightEntry, "w1", func(cur *Document) (*Document, error) {
		require.NotNil(t, cur)
		assert.Equal(t, stored.ServerTS, cur.ServerTS)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestHTTPGateway_retriesOnPrecondition(t *testing.T) {
	g, backend := newHTTPPair(t)
	ctx := context.Background()
	backend.Put("u1", models.KindFoodEntry, Document{ID: "f1", Data: []byte(`{"v":0}`)})

	calls := 0
	_, err := g.Transact(ctx, "u1", models.KindFoodEntry, "f1", func(cur *Document) (*Document, error) {
		calls++
		if calls == 1 {
			// Another client writes between our read and our write.
			backend.Put("u1", models.KindFoodEntry, Document{ID: "f1", Data: []byte(`{"v":1}`)})
		}
		return &Document{Data: []byte(`{"v":2}`)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	stored, _ := backend.Lookup("u1", models.KindFoodEntry, "f1")
	assert.JSONEq(t, `{"v":2}`, string(stored.Data))
}

func TestHTTPGateway_deleteAndList(t *testing.T) {
	g, backend := newHTTPPair(t)
	ctx := context.Background()
	backend.Put("u1", models.KindSymptomLog, Document{ID: "s1", Data: []byte(`{}`), OccurredAt: 100})
	backend.Put("u1", models.KindSymptomLog, Document{ID: "s2", Data: []byte(`{}`), OccurredAt: 200})

	docs, err := g.ListRange(ctx, "u1", models.KindSymptomLog, 150)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "s2", docs[0].ID)

	require.NoError(t, g.Delete(ctx, "u1", models.KindSymptomLog, "s2"))
	require.NoError(t, g.Delete(ctx, "u1", models.KindSymptomLog, "s2"))

	docs, err = g.ListRange(ctx, "u1", models.KindSymptomLog, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestHTTPGateway_errorClassification(t *testing.T) {
	g, _ := newHTTPPair(t)
	ctx := context.Background()

	_, err := g.ListRange(ctx, "u1", models.Kind("recipes"), 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownCollection), "got %v", err)

	unreachable := NewHTTPGateway("http://127.0.0.1:1", nil)
	err = unreachable.Delete(ctx, "u1", models.KindFoodEntry, "f1")
	assert.True(t, apperrors.IsFatalForCycle(err), "got %v", err)
}

func TestHTTPGateway_ping(t *testing.T) {
	g, _ := newHTTPPair(t)
	require.NoError(t, g.Ping(context.Background()))

	unreachable := NewHTTPGateway("http://127.0.0.1:1", nil)
	err := unreachable.Ping(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrNoNetwork), "got %v", err)
}

func TestServer_rejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewMemoryGateway()).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/users/u1/collections/food_entries/documents/f1", strings.NewReader(`{"data":`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/v1/users/u1/collections/food_entries/documents/f1", strings.NewReader(`{"data":{}}`))
	req.Header.Set("If-Match", `"abc"`)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
