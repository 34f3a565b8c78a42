// Package mergebox implements the per-connection bookkeeping that
// computes, for one subscription, the
// set of records unique to it versus the connection's other active
// subscriptions, so that a record visible through several overlapping
// subscriptions is still only ever sent once.
package mergebox

import (
	"context"
	"fmt"

	"github.com/ddp-host/ddpd/internal/registry"
	"github.com/ddp-host/ddpd/internal/store"
)

// CollectionRows is the unique(S) result for one collection: the rows
// in that collection visible through a subscription but not through
// any of the connection's other active subscriptions.
type CollectionRows struct {
	Collection string
	Rows       []store.Row
}

// Visibility is the subset of the store adapter's API mergebox needs.
// Kept as an interface so mergebox can be exercised with a fake store
// in tests instead of a live database.
type Visibility interface {
	FilterVisible(ctx context.Context, col *registry.Collection, q registry.Query, actingUserID any, isSuperuser bool, snapshotUpper *int64) ([]store.Row, error)
}

// ActiveSub is everything mergebox needs to know about one of a
// connection's other live subscriptions when computing a difference
// against it.
type ActiveSub struct {
	SubID   string
	UserID  any
	Queries []registry.Query
}

// Differ is optionally implemented by the store adapter: it evaluates
// the set difference inside the store as a SQL anti-join instead of
// materializing both sides in memory. The engine only
// takes this path when every subscription involved shares one acting
// user, since the pushed-down exclusion runs under a single identity.
type Differ interface {
	FilterVisibleExcluding(ctx context.Context, col *registry.Collection, q registry.Query, actingUserID any, isSuperuser bool, snapshotUpper *int64, exclude []registry.Query) ([]store.Row, error)
}

// Engine computes unique(S) against a registry of collections and a
// store adapter capable of running visibility queries.
type Engine struct {
	reg   *registry.Registry
	store Visibility
}

// New builds a mergebox Engine.
func New(reg *registry.Registry, store Visibility) *Engine {
	return &Engine{reg: reg, store: store}
}

// Unique computes unique(S) = visible(S) \ ⋃ visible(S') for every
// other active subscription S' on the same connection.
// Results are de-duplicated within a collection since multiple
// user_rel joins can multiply rows for the same subscription.
func (e *Engine) Unique(ctx context.Context, userID any, isSuperuser bool, queries []registry.Query, others []ActiveSub, snapshotUpper *int64) ([]CollectionRows, error) {
	if d, ok := e.store.(Differ); ok && len(others) > 0 && sameUser(userID, others) {
		return e.uniqueSQL(ctx, d, userID, isSuperuser, queries, others, snapshotUpper)
	}

	mine, err := e.visibleByCollection(ctx, userID, isSuperuser, queries, snapshotUpper)
	if err != nil {
		return nil, err
	}

	exclude := make(map[string]map[string]bool) // collection -> pk set
	for _, other := range others {
		otherRows, err := e.visibleByCollection(ctx, other.UserID, isSuperuser, other.Queries, snapshotUpper)
		if err != nil {
			return nil, err
		}
		for col, rows := range otherRows {
			set := exclude[col]
			if set == nil {
				set = make(map[string]bool)
				exclude[col] = set
			}
			for _, r := range rows {
				set[r.PK] = true
			}
		}
	}

	var out []CollectionRows
	for col, rows := range mine {
		excluded := exclude[col]
		seen := make(map[string]bool, len(rows))
		var diff []store.Row
		for _, r := range rows {
			if excluded != nil && excluded[r.PK] {
				continue
			}
			if seen[r.PK] {
				continue
			}
			seen[r.PK] = true
			diff = append(diff, r)
		}
		if len(diff) > 0 {
			out = append(out, CollectionRows{Collection: col, Rows: diff})
		}
	}
	return out, nil
}

// uniqueSQL is the anti-join path: each of the sub's queries runs with
// the other subscriptions' same-collection queries pushed down as a
// NOT IN exclusion, so the store never returns rows the difference
// would discard anyway.
func (e *Engine) uniqueSQL(ctx context.Context, d Differ, userID any, isSuperuser bool, queries []registry.Query, others []ActiveSub, snapshotUpper *int64) ([]CollectionRows, error) {
	excludeByCol := make(map[string][]registry.Query)
	for _, other := range others {
		for _, q := range other.Queries {
			excludeByCol[q.Collection] = append(excludeByCol[q.Collection], q)
		}
	}

	byCol := make(map[string][]store.Row)
	var order []string
	for _, q := range queries {
		col, ok := e.reg.Collection(q.Collection)
		if !ok {
			return nil, fmt.Errorf("mergebox: unregistered collection %q", q.Collection)
		}
		rows, err := d.FilterVisibleExcluding(ctx, col, q, userID, isSuperuser, snapshotUpper, excludeByCol[q.Collection])
		if err != nil {
			return nil, fmt.Errorf("mergebox: filter_visible_excluding %s: %w", q.Collection, err)
		}
		if _, seen := byCol[q.Collection]; !seen {
			order = append(order, q.Collection)
		}
		byCol[q.Collection] = append(byCol[q.Collection], rows...)
	}

	var out []CollectionRows
	for _, colName := range order {
		seen := make(map[string]bool)
		var distinct []store.Row
		for _, r := range byCol[colName] {
			if seen[r.PK] {
				continue
			}
			seen[r.PK] = true
			distinct = append(distinct, r)
		}
		if len(distinct) > 0 {
			out = append(out, CollectionRows{Collection: colName, Rows: distinct})
		}
	}
	return out, nil
}

// sameUser reports whether every other subscription was created under
// the given acting user.
func sameUser(userID any, others []ActiveSub) bool {
	for _, o := range others {
		if fmt.Sprint(o.UserID) != fmt.Sprint(userID) {
			return false
		}
	}
	return true
}

func (e *Engine) visibleByCollection(ctx context.Context, userID any, isSuperuser bool, queries []registry.Query, snapshotUpper *int64) (map[string][]store.Row, error) {
	out := make(map[string][]store.Row)
	for _, q := range queries {
		col, ok := e.reg.Collection(q.Collection)
		if !ok {
			return nil, fmt.Errorf("mergebox: unregistered collection %q", q.Collection)
		}
		rows, err := e.store.FilterVisible(ctx, col, q, userID, isSuperuser, snapshotUpper)
		if err != nil {
			return nil, fmt.Errorf("mergebox: filter_visible %s: %w", q.Collection, err)
		}
		out[q.Collection] = append(out[q.Collection], rows...)
	}
	return out, nil
}

// SymmetricDiff computes the set of PKs present in `after` but not
// `before` (added) and present in `before` but not `after` (removed),
// per collection — used by AuthChange to turn a re-auth
// into added/removed deltas.
func SymmetricDiff(before, after []CollectionRows) (added, removed []CollectionRows) {
	beforeSets := toPKSets(before)
	afterSets := toPKSets(after)

	for _, cr := range after {
		bset := beforeSets[cr.Collection]
		var diff []store.Row
		for _, r := range cr.Rows {
			if !bset[r.PK] {
				diff = append(diff, r)
			}
		}
		if len(diff) > 0 {
			added = append(added, CollectionRows{Collection: cr.Collection, Rows: diff})
		}
	}
	for _, cr := range before {
		aset := afterSets[cr.Collection]
		var diff []store.Row
		for _, r := range cr.Rows {
			if !aset[r.PK] {
				diff = append(diff, r)
			}
		}
		if len(diff) > 0 {
			removed = append(removed, CollectionRows{Collection: cr.Collection, Rows: diff})
		}
	}
	return added, removed
}

func toPKSets(crs []CollectionRows) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(crs))
	for _, cr := range crs {
		set := make(map[string]bool, len(cr.Rows))
		for _, r := range cr.Rows {
			set[r.PK] = true
		}
		out[cr.Collection] = set
	}
	return out
}
