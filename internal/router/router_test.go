package router

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddp-host/ddpd/internal/ddp"
	"github.com/ddp-host/ddpd/internal/notifybus"
	"github.com/ddp-host/ddpd/internal/registry"
	"github.com/ddp-host/ddpd/internal/store"
)

// fakeRouterStore answers query-match probes from a canned table keyed
// by the query's Where fragment and captures every NOTIFY chunk.
type fakeRouterStore struct {
	matches   map[string]bool
	published []string
}

func (f *fakeRouterStore) MatchesQuery(ctx context.Context, tx pgx.Tx, col *registry.Collection, q registry.Query, pk string) (bool, error) {
	return f.matches[q.Where], nil
}

func (f *fakeRouterStore) NotifyTx(ctx context.Context, tx pgx.Tx, channel, payload string) error {
	f.published = append(f.published, payload)
	return nil
}

type fakeMapper struct{}

func (fakeMapper) MeteorID(ctx context.Context, collection, pk string) (string, error) {
	return "ID:" + pk, nil
}

func newTestRouter(matches map[string]bool) (*Router, *fakeRouterStore) {
	reg := registry.New()
	reg.RegisterCollection(registry.Collection{Name: "task", Table: "task"})
	reg.RegisterCollection(registry.Collection{
		Name: "note", Table: "note", UserRel: []string{"owner_id"},
	})
	reg.Freeze()

	st := &fakeRouterStore{matches: matches}
	return New(reg, st, fakeMapper{}, "ddp"), st
}

// envelopes reassembles and decodes everything the router published.
func envelopes(t *testing.T, st *fakeRouterStore) []*Envelope {
	t.Helper()
	re := notifybus.NewReassembler()
	var out []*Envelope
	for _, chunk := range st.published {
		payload, done, err := re.Feed(chunk)
		require.NoError(t, err)
		if !done {
			continue
		}
		env, err := ParseEnvelope(payload)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestRouteAddedToNewSubscribers(t *testing.T) {
	rt, st := newTestRouter(map[string]bool{"q1": true})
	rt.Subs.Add("task", SubEntry{ConnID: "c1", SubID: "s1", Query: registry.Query{Collection: "task", Where: "q1"}})

	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "task", PK: "P1", Kind: store.Added,
		Fields: map[string]any{"title": "x"},
	})
	require.NoError(t, err)

	envs := envelopes(t, st)
	require.Len(t, envs, 1)
	assert.Equal(t, []string{"c1"}, envs[0].ConnectionIDs)
	assert.Equal(t, ddp.MsgAdded, envs[0].Frame.Msg)
	assert.Equal(t, "ID:P1", envs[0].Frame.ID)
	assert.Equal(t, map[string]any{"title": "x"}, envs[0].Frame.Fields)

	// The seen index now reflects the delivery target.
	assert.Contains(t, rt.Seen.Subscribers("task", "ID:P1"), "c1")
}

func TestRouteChangedToExistingSubscribers(t *testing.T) {
	rt, st := newTestRouter(map[string]bool{"q1": true})
	rt.Subs.Add("task", SubEntry{ConnID: "c1", SubID: "s1", Query: registry.Query{Collection: "task", Where: "q1"}})
	rt.Seen.Mark("task", "ID:P1", "c1")

	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "task", PK: "P1", Kind: store.Changed,
		Fields: map[string]any{"title": "y"},
	})
	require.NoError(t, err)

	envs := envelopes(t, st)
	require.Len(t, envs, 1)
	assert.Equal(t, ddp.MsgChanged, envs[0].Frame.Msg)
}

func TestRouteChangeLeavingQueryEmitsRemoved(t *testing.T) {
	rt, st := newTestRouter(map[string]bool{"q1": false})
	rt.Subs.Add("task", SubEntry{ConnID: "c1", SubID: "s1", Query: registry.Query{Collection: "task", Where: "q1"}})
	rt.Seen.Mark("task", "ID:P1", "c1")

	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "task", PK: "P1", Kind: store.Changed,
		Fields: map[string]any{"title": "y"},
	})
	require.NoError(t, err)

	envs := envelopes(t, st)
	require.Len(t, envs, 1)
	assert.Equal(t, ddp.MsgRemoved, envs[0].Frame.Msg)
	assert.Nil(t, envs[0].Frame.Fields)
	assert.Empty(t, rt.Seen.Subscribers("task", "ID:P1"))
}

func TestRouteRemovedKind(t *testing.T) {
	rt, st := newTestRouter(map[string]bool{"q1": true})
	rt.Subs.Add("task", SubEntry{ConnID: "c1", SubID: "s1", Query: registry.Query{Collection: "task", Where: "q1"}})
	rt.Seen.Mark("task", "ID:P1", "c1")

	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "task", PK: "P1", Kind: store.Removed,
	})
	require.NoError(t, err)

	envs := envelopes(t, st)
	require.Len(t, envs, 1)
	assert.Equal(t, ddp.MsgRemoved, envs[0].Frame.Msg)
}

func TestRouteUserRelFiltersCandidates(t *testing.T) {
	rt, st := newTestRouter(map[string]bool{"q1": true})
	rt.Subs.Add("note", SubEntry{ConnID: "alice-c", SubID: "s1", UserID: "alice",
		Query: registry.Query{Collection: "note", Where: "q1"}})
	rt.Subs.Add("note", SubEntry{ConnID: "bob-c", SubID: "s2", UserID: "bob",
		Query: registry.Query{Collection: "note", Where: "q1"}})

	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "note", PK: "N1", Kind: store.Added,
		Fields: map[string]any{"owner_id": "alice", "body": "hi"},
	})
	require.NoError(t, err)

	envs := envelopes(t, st)
	require.Len(t, envs, 1)
	assert.Equal(t, []string{"alice-c"}, envs[0].ConnectionIDs)
}

func TestRouteReservedCollectionIgnored(t *testing.T) {
	rt, st := newTestRouter(nil)
	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "ddpd.object_mapping", PK: "x", Kind: store.Added,
	})
	require.NoError(t, err)
	assert.Empty(t, st.published)
}

func TestRouteSenderSequenceRelease(t *testing.T) {
	// No subscribers at all, but the change carries an originator with a
	// reserved TX sequence: the router must still publish an envelope so
	// the sender's buffer can release it.
	rt, st := newTestRouter(nil)
	seq := uint64(7)
	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "task", PK: "P1", Kind: store.Added,
		Sender: "c9", TxSeq: &seq,
	})
	require.NoError(t, err)

	envs := envelopes(t, st)
	require.Len(t, envs, 1)
	assert.Empty(t, envs[0].ConnectionIDs)
	assert.Equal(t, "c9", envs[0].Sender)
	require.NotNil(t, envs[0].TxSeq)
	assert.Equal(t, seq, *envs[0].TxSeq)
}

func TestRouteMultiGroupSenderStampedOnce(t *testing.T) {
	// One mutation, two recipient groups: the originator's sub still
	// matches (changed), another connection's sub no longer does
	// (removed). Only the originator's group envelope may carry the
	// reserved TX sequence — if the removed-group envelope carried it
	// too, its hub would Skip the sequence the originator's own frame
	// is delivered at.
	rt, st := newTestRouter(map[string]bool{"stay": true, "leave": false})
	rt.Subs.Add("task", SubEntry{ConnID: "origin", SubID: "s1", Query: registry.Query{Collection: "task", Where: "stay"}})
	rt.Subs.Add("task", SubEntry{ConnID: "other", SubID: "s2", Query: registry.Query{Collection: "task", Where: "leave"}})
	rt.Seen.Mark("task", "ID:P1", "origin")
	rt.Seen.Mark("task", "ID:P1", "other")

	seq := uint64(5)
	err := rt.Route(context.Background(), nil, store.Change{
		Collection: "task", PK: "P1", Kind: store.Changed,
		Fields: map[string]any{"done": true},
		Sender: "origin", TxSeq: &seq,
	})
	require.NoError(t, err)

	envs := envelopes(t, st)
	require.Len(t, envs, 2)
	byKind := map[ddp.Msg]*Envelope{}
	for _, env := range envs {
		byKind[env.Frame.Msg] = env
	}

	changed := byKind[ddp.MsgChanged]
	require.NotNil(t, changed)
	assert.Equal(t, []string{"origin"}, changed.ConnectionIDs)
	assert.Equal(t, "origin", changed.Sender)
	require.NotNil(t, changed.TxSeq)
	assert.Equal(t, seq, *changed.TxSeq)

	removed := byKind[ddp.MsgRemoved]
	require.NotNil(t, removed)
	assert.Equal(t, []string{"other"}, removed.ConnectionIDs)
	assert.Empty(t, removed.Sender)
	assert.Nil(t, removed.TxSeq)
}

func TestSeenIndexDropConnection(t *testing.T) {
	idx := NewSeenIndex()
	idx.Mark("task", "A", "c1")
	idx.Mark("task", "A", "c2")
	idx.Mark("task", "B", "c1")

	idx.DropConnection("c1")
	assert.Equal(t, map[string]struct{}{"c2": {}}, idx.Subscribers("task", "A"))
	assert.Empty(t, idx.Subscribers("task", "B"))
}

func TestSubIndexRemove(t *testing.T) {
	idx := NewSubIndex()
	idx.Add("task", SubEntry{ConnID: "c1", SubID: "s1", Query: registry.Query{Collection: "task"}})
	idx.Add("task", SubEntry{ConnID: "c1", SubID: "s2", Query: registry.Query{Collection: "task"}})
	idx.Add("note", SubEntry{ConnID: "c1", SubID: "s2", Query: registry.Query{Collection: "note"}})

	idx.Remove("c1", "s1")
	assert.Len(t, idx.Candidates("task"), 1)

	idx.RemoveConnection("c1")
	assert.Empty(t, idx.Candidates("task"))
	assert.Empty(t, idx.Candidates("note"))
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	_, err := ParseEnvelope([]byte(`"not an object"`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"connection_ids":["c1"],"frame":{"msg":"nope","collection":"task","id":"x"}}`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"connection_ids":["c1"],"frame":{"msg":"added","collection":"","id":"x"}}`))
	assert.Error(t, err)
}
