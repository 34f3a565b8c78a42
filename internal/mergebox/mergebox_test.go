package mergebox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddp-host/ddpd/internal/registry"
	"github.com/ddp-host/ddpd/internal/store"
)

// fakeVisibility serves canned rows per (user, query), keyed by the
// query's Where fragment so one collection can carry several distinct
// filtered queries.
type fakeVisibility struct {
	rows map[string][]store.Row // "user|where" -> rows
}

func (f *fakeVisibility) FilterVisible(ctx context.Context, col *registry.Collection, q registry.Query, actingUserID any, isSuperuser bool, snapshotUpper *int64) ([]store.Row, error) {
	return f.rows[fmt.Sprint(actingUserID)+"|"+q.Where], nil
}

func row(pk string) store.Row {
	return store.Row{PK: pk, Fields: map[string]any{"id": pk}}
}

func newEngine(rows map[string][]store.Row) *Engine {
	reg := registry.New()
	reg.RegisterCollection(registry.Collection{Name: "task", Table: "task"})
	reg.Freeze()
	return New(reg, &fakeVisibility{rows: rows})
}

func TestUniqueSubtractsOtherSubscriptions(t *testing.T) {
	e := newEngine(map[string][]store.Row{
		"u|mine":  {row("A"), row("B"), row("C")},
		"u|other": {row("B")},
	})

	unique, err := e.Unique(context.Background(), "u", false,
		[]registry.Query{{Collection: "task", Where: "mine"}},
		[]ActiveSub{{SubID: "s2", UserID: "u", Queries: []registry.Query{{Collection: "task", Where: "other"}}}},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, unique, 1)
	assert.Equal(t, "task", unique[0].Collection)

	var pks []string
	for _, r := range unique[0].Rows {
		pks = append(pks, r.PK)
	}
	assert.ElementsMatch(t, []string{"A", "C"}, pks)
}

func TestUniqueFullOverlapIsEmpty(t *testing.T) {
	e := newEngine(map[string][]store.Row{
		"u|q": {row("A"), row("B")},
	})

	unique, err := e.Unique(context.Background(), "u", false,
		[]registry.Query{{Collection: "task", Where: "q"}},
		[]ActiveSub{{SubID: "s2", UserID: "u", Queries: []registry.Query{{Collection: "task", Where: "q"}}}},
		nil,
	)
	require.NoError(t, err)
	assert.Empty(t, unique)
}

func TestUniqueDeduplicatesJoinMultipliedRows(t *testing.T) {
	// user_rel joins can return the same row more than once; the
	// difference set must stay distinct per primary key.
	e := newEngine(map[string][]store.Row{
		"u|q": {row("A"), row("A"), row("B")},
	})

	unique, err := e.Unique(context.Background(), "u", false,
		[]registry.Query{{Collection: "task", Where: "q"}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, unique, 1)
	assert.Len(t, unique[0].Rows, 2)
}

func TestUniqueUnregisteredCollection(t *testing.T) {
	e := newEngine(nil)
	_, err := e.Unique(context.Background(), "u", false,
		[]registry.Query{{Collection: "nope"}}, nil, nil)
	assert.Error(t, err)
}

func TestSymmetricDiff(t *testing.T) {
	before := []CollectionRows{{Collection: "task", Rows: []store.Row{row("A"), row("B")}}}
	after := []CollectionRows{{Collection: "task", Rows: []store.Row{row("B"), row("C")}}}

	added, removed := SymmetricDiff(before, after)
	require.Len(t, added, 1)
	require.Len(t, removed, 1)
	assert.Equal(t, "C", added[0].Rows[0].PK)
	assert.Equal(t, "A", removed[0].Rows[0].PK)
}

func TestSymmetricDiffNoChange(t *testing.T) {
	set := []CollectionRows{{Collection: "task", Rows: []store.Row{row("A")}}}
	added, removed := SymmetricDiff(set, set)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

// fakeDiffer adds the anti-join pushdown to fakeVisibility, recording
// whether the engine chose it.
type fakeDiffer struct {
	fakeVisibility
	diffRows []store.Row
	calls    int
}

func (f *fakeDiffer) FilterVisibleExcluding(ctx context.Context, col *registry.Collection, q registry.Query, actingUserID any, isSuperuser bool, snapshotUpper *int64, exclude []registry.Query) ([]store.Row, error) {
	f.calls++
	return f.diffRows, nil
}

func TestUniquePushesDifferenceIntoStore(t *testing.T) {
	reg := registry.New()
	reg.RegisterCollection(registry.Collection{Name: "task", Table: "task"})
	reg.Freeze()

	d := &fakeDiffer{diffRows: []store.Row{row("A")}}
	e := New(reg, d)

	unique, err := e.Unique(context.Background(), "u", false,
		[]registry.Query{{Collection: "task", Where: "mine"}},
		[]ActiveSub{{SubID: "s2", UserID: "u", Queries: []registry.Query{{Collection: "task", Where: "other"}}}},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)
	require.Len(t, unique, 1)
	assert.Equal(t, "A", unique[0].Rows[0].PK)
}

func TestUniqueFallsBackAcrossUsers(t *testing.T) {
	reg := registry.New()
	reg.RegisterCollection(registry.Collection{Name: "task", Table: "task"})
	reg.Freeze()

	d := &fakeDiffer{fakeVisibility: fakeVisibility{rows: map[string][]store.Row{
		"u|mine":  {row("A"), row("B")},
		"v|other": {row("B")},
	}}}
	e := New(reg, d)

	// Other sub under a different acting user: the anti-join runs under
	// one identity only, so the engine stays in memory.
	unique, err := e.Unique(context.Background(), "u", false,
		[]registry.Query{{Collection: "task", Where: "mine"}},
		[]ActiveSub{{SubID: "s2", UserID: "v", Queries: []registry.Query{{Collection: "task", Where: "other"}}}},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 0, d.calls)
	require.Len(t, unique, 1)
	assert.Len(t, unique[0].Rows, 1)
	assert.Equal(t, "A", unique[0].Rows[0].PK)
}
