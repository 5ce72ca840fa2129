package delta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valandreev/restcache/pkg/store"
	"github.com/valandreev/restcache/pkg/store/storetest"
)

var t0 = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func openLedger(t *testing.T, backend store.Backend) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), store.NewList[Record](backend, DocumentName("Order"), nil))
	require.NoError(t, err)
	return l
}

func TestRecordReplacesByURI(t *testing.T) {
	backend := storetest.NewMemoryBackend()
	l := openLedger(t, backend)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "https://api.test/orders/1", "post", t0))
	require.NoError(t, l.Record(ctx, "HTTPS://API.TEST/orders/1", VerbDelete, t0.Add(time.Minute)))
	require.NoError(t, l.Record(ctx, "https://api.test/orders/2", VerbPut, t0.Add(2*time.Minute)))

	require.Equal(t, 2, l.Len())
	require.True(t, l.IsDeleted("https://api.test/ORDERS/1"))
	require.False(t, l.IsDeleted("https://api.test/orders/2"))

	changed := l.Changed()
	require.Len(t, changed, 1)
	require.Equal(t, "https://api.test/orders/2", changed[0].URI)

	reopened := openLedger(t, backend)
	require.Equal(t, l.Records(), reopened.Records())
}

func TestPurgeAtOrBefore(t *testing.T) {
	backend := storetest.NewMemoryBackend()
	l := openLedger(t, backend)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "a", VerbPost, t0))
	require.NoError(t, l.Record(ctx, "b", VerbPut, t0.Add(time.Minute)))
	require.NoError(t, l.Record(ctx, "c", VerbDelete, t0.Add(2*time.Minute)))

	n, err := l.PurgeAtOrBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, l.Records(), 1)
	require.Equal(t, "c", l.Records()[0].URI)

	n, err = l.PurgeAtOrBefore(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, backend.Has(DocumentName("Order")), "an empty ledger deletes its document")
}

func TestFilterDropsDeletedItems(t *testing.T) {
	l := openLedger(t, storetest.NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, "/orders/2", VerbDelete, t0))
	require.NoError(t, l.Record(ctx, "/orders/3", VerbPut, t0))

	type order struct{ ID string }
	items := []order{{"1"}, {"2"}, {"3"}}
	got := Filter(l, items, func(o order) string { return "/orders/" + o.ID })
	require.Equal(t, []order{{"1"}, {"3"}}, got)
	require.Len(t, items, 3)

	require.Equal(t, items, Filter[order](nil, items, func(o order) string { return o.ID }))
}

func TestRemoveAndClear(t *testing.T) {
	backend := storetest.NewMemoryBackend()
	l := openLedger(t, backend)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "a", VerbPost, t0))
	require.NoError(t, l.Record(ctx, "b", VerbPost, t0))
	require.NoError(t, l.Remove(ctx, "A"))
	require.Equal(t, 1, l.Len())
	require.NoError(t, l.Remove(ctx, "missing"))

	require.NoError(t, l.Clear(ctx))
	require.Zero(t, l.Len())
	require.False(t, backend.Has(DocumentName("Order")))
	require.Error(t, l.Record(ctx, "", VerbPost, t0))
}
