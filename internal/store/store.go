// Package store is the boundary between the core engine and
// PostgreSQL. It executes snapshot-bounded visibility queries, evaluates user_rel to determine
// who may see a record, and runs the change hook that feeds the
// change router (internal/router) through the NOTIFY bus
// (internal/notifybus). The hook runs once per recorded change, after
// the method handler has made its writes and before commit; there is
// no separate pre-change hook.
package store

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ddp-host/ddpd/internal/registry"
)

// ChangeKind matches the added/changed/removed vocabulary of the wire
// protocol, reused internally so the store and router share one type.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Changed ChangeKind = "changed"
	Removed ChangeKind = "removed"
)

// Change describes one committed mutation, handed from a post-change
// hook to the router. Sender/TxSeq are set when the change originates
// from a method call on a connection, so the router can carry the
// already-allocated TX sequence that guarantees the
// method's result frame precedes its own broadcast copy.
type Change struct {
	Collection string
	PK         string
	Kind       ChangeKind
	Fields     map[string]any
	Sender     string
	TxSeq      *uint64
}

// ChangeHook is invoked synchronously inside the writing transaction
// once a row has been inserted/updated/deleted.
type ChangeHook func(ctx context.Context, tx pgx.Tx, change Change) error

// Adapter wraps the pooled connection for
// ordinary queries and exposes hooks the router and object mapper hang
// off of. It has no direct knowledge of mergebox or router — it calls
// back into whatever hook main() installs with SetChangeHook, keeping this
// package's only dependency the registry and pgx.
type Adapter struct {
	pool     *pgxpool.Pool
	reg      *registry.Registry
	onChange ChangeHook
}

// New builds an Adapter over an existing pool and registry.
func New(pool *pgxpool.Pool, reg *registry.Registry) *Adapter {
	return &Adapter{pool: pool, reg: reg}
}

// SetChangeHook installs the callback invoked after a row changes
// inside a WithTransaction block. Only one hook is supported — main()
// wires this to the router once at startup.
func (a *Adapter) SetChangeHook(hook ChangeHook) {
	a.onChange = hook
}

// SnapshotID returns the current transaction id,
// used as a subscription's snapshot upper bound.
func (a *Adapter) SnapshotID(ctx context.Context) (int64, error) {
	var xid int64
	err := a.pool.QueryRow(ctx, `SELECT pg_current_xact_id()::text::bigint`).Scan(&xid)
	if err != nil {
		return 0, fmt.Errorf("store: snapshot id: %w", err)
	}
	return xid, nil
}

// Row is one visible record plus the primary key used to identify it
// for mergebox difference and ObjectMapping lookups.
type Row struct {
	PK     string
	Fields map[string]any
}

// FilterVisible runs q against the collection's table, restricted by
// the collection's user_rel (unless acting is a superuser on a
// collection with AlwaysAllowSuperusers) and optionally by a snapshot
// upper bound on xmin.
func (a *Adapter) FilterVisible(ctx context.Context, col *registry.Collection, q registry.Query, actingUserID any, isSuperuser bool, snapshotUpper *int64) ([]Row, error) {
	sql, args := buildFilterVisibleQuery(col, q, actingUserID, isSuperuser, snapshotUpper, nil)

	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: filter_visible %s: %w", col.Name, err)
	}
	defer rows.Close()

	return scanRows(rows, col)
}

// FilterVisibleExcluding is FilterVisible minus the rows visible
// through the exclude queries, pushed down as a SQL anti-join
// (NOT IN (SELECT id ...)) so the planner can avoid materializing
// both sets. The exclude queries are evaluated under the
// same acting user — the mergebox only takes this path when the
// connection's subscriptions share one identity.
func (a *Adapter) FilterVisibleExcluding(ctx context.Context, col *registry.Collection, q registry.Query, actingUserID any, isSuperuser bool, snapshotUpper *int64, exclude []registry.Query) ([]Row, error) {
	sql, args := buildFilterVisibleQuery(col, q, actingUserID, isSuperuser, snapshotUpper, exclude)

	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: filter_visible_excluding %s: %w", col.Name, err)
	}
	defer rows.Close()

	return scanRows(rows, col)
}

// buildFilterVisibleQuery builds the SQL and positional args for
// FilterVisible/FilterVisibleExcluding. Split out as a pure function
// so the query shape (user_rel restriction, always_allow_superusers
// bypass, xmin upper bound, anti-join exclusion) can be unit tested
// without a live database.
func buildFilterVisibleQuery(col *registry.Collection, q registry.Query, actingUserID any, isSuperuser bool, snapshotUpper *int64, exclude []registry.Query) (string, []any) {
	var b strings.Builder
	args := append([]any{}, q.Args...)

	fmt.Fprintf(&b, `SELECT * FROM %s WHERE 1=1`, col.Table)
	if q.Where != "" {
		fmt.Fprintf(&b, ` AND (%s)`, q.Where)
	}
	if col.Filter != "" {
		fmt.Fprintf(&b, ` AND (%s)`, col.Filter)
	}

	skipUserRel := isSuperuser && col.AlwaysAllowSuperusers
	if len(col.UserRel) > 0 && !skipUserRel {
		args = appendUserRelClause(&b, col, actingUserID, args)
	}

	if len(exclude) > 0 {
		fmt.Fprintf(&b, ` AND id NOT IN (SELECT id FROM %s WHERE 1=1`, col.Table)
		parts := make([]string, 0, len(exclude))
		for _, ex := range exclude {
			if ex.Where == "" {
				parts = append(parts, "TRUE")
				continue
			}
			offset := len(args)
			args = append(args, ex.Args...)
			parts = append(parts, "("+renumberPlaceholders(ex.Where, offset)+")")
		}
		fmt.Fprintf(&b, ` AND (%s)`, strings.Join(parts, " OR "))
		if col.Filter != "" {
			fmt.Fprintf(&b, ` AND (%s)`, col.Filter)
		}
		if len(col.UserRel) > 0 && !skipUserRel {
			args = appendUserRelClause(&b, col, actingUserID, args)
		}
		b.WriteString(`)`)
	}

	if snapshotUpper != nil {
		args = append(args, *snapshotUpper)
		fmt.Fprintf(&b, ` AND xmin::text::bigint <= $%d`, len(args))
	}
	if col.Order != "" {
		fmt.Fprintf(&b, ` ORDER BY %s`, col.Order)
	}

	return b.String(), args
}

// appendUserRelClause writes the user_rel visibility restriction and
// returns args with the acting user appended once per relation path.
func appendUserRelClause(b *strings.Builder, col *registry.Collection, actingUserID any, args []any) []any {
	var rel strings.Builder
	for i, path := range col.UserRel {
		if i > 0 {
			rel.WriteString(" OR ")
		}
		args = append(args, actingUserID)
		fmt.Fprintf(&rel, "%s = $%d", path, len(args))
	}
	fmt.Fprintf(b, ` AND (%s)`, rel.String())
	return args
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// renumberPlaceholders shifts a query fragment's positional
// placeholders by offset, so a fragment written against its own args
// can be spliced into a larger statement.
func renumberPlaceholders(where string, offset int) string {
	return placeholderRe.ReplaceAllStringFunc(where, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		return "$" + strconv.Itoa(n+offset)
	})
}

func scanRows(rows pgx.Rows, col *registry.Collection) ([]Row, error) {
	fieldDescs := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", col.Name, err)
		}
		fields := make(map[string]any, len(vals))
		var pk string
		for i, fd := range fieldDescs {
			name := fd.Name
			fields[name] = vals[i]
			if name == "id" || name == "pk" {
				pk = fmt.Sprint(vals[i])
			}
		}
		out = append(out, Row{PK: pk, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows %s: %w", col.Name, err)
	}
	return out, nil
}

// UserIDsFor evaluates col's user_rel paths against a single record
// (identified by pk) to produce the set of user ids allowed to see it.
// A nil slice means unrestricted (no user_rel declared).
func (a *Adapter) UserIDsFor(ctx context.Context, col *registry.Collection, pk string) ([]string, error) {
	if len(col.UserRel) == 0 {
		return nil, nil
	}

	cols := strings.Join(col.UserRel, ", ")
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, cols, col.Table)
	rows, err := a.pool.Query(ctx, sql, pk)
	if err != nil {
		return nil, fmt.Errorf("store: user_ids_for %s: %w", col.Name, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("store: user_ids_for scan %s: %w", col.Name, err)
		}
		for _, v := range vals {
			if v == nil {
				continue
			}
			ids = append(ids, fmt.Sprint(v))
		}
	}
	return ids, rows.Err()
}

// UserIDsForFields evaluates col's user_rel paths against an
// in-memory field map rather than querying the table — used by the
// change router on a row it already has fresh field values for,
// avoiding a re-read of the record from the database.
func UserIDsForFields(col *registry.Collection, fields map[string]any) []string {
	if len(col.UserRel) == 0 {
		return nil
	}
	var ids []string
	for _, path := range col.UserRel {
		v, ok := fields[path]
		if !ok || v == nil {
			continue
		}
		ids = append(ids, fmt.Sprint(v))
	}
	return ids
}

// MatchesQuery reports whether the row identified by pk currently
// satisfies q's own filter and the collection's base filter — the
// existence check the change router runs per candidate subscription,
// deliberately excluding user_rel (that's checked separately against
// in-memory fields, not re-queried here). When tx is non-nil the probe
// runs inside it, so an uncommitted write is already visible.
func (a *Adapter) MatchesQuery(ctx context.Context, tx pgx.Tx, col *registry.Collection, q registry.Query, pk string) (bool, error) {
	args := append([]any{}, q.Args...)

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT EXISTS(SELECT 1 FROM %s WHERE 1=1`, col.Table)
	if q.Where != "" {
		fmt.Fprintf(&b, ` AND (%s)`, q.Where)
	}
	if col.Filter != "" {
		fmt.Fprintf(&b, ` AND (%s)`, col.Filter)
	}
	args = append(args, pk)
	fmt.Fprintf(&b, ` AND id = $%d)`, len(args))

	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, b.String(), args...)
	} else {
		row = a.pool.QueryRow(ctx, b.String(), args...)
	}

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("store: matches_query %s: %w", col.Name, err)
	}
	return exists, nil
}

// NotifyTx issues NOTIFY within tx so the payload only becomes visible
// to LISTENers once the write commits.
func (a *Adapter) NotifyTx(ctx context.Context, tx pgx.Tx, channel, payload string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("store: notify %s: %w", channel, err)
	}
	return nil
}

// WithTransaction runs fn inside a transaction and, on success, calls
// the installed change hook for every change fn recorded via the
// returned Recorder, before committing. This keeps the router's
// pre/post subscriber-set snapshot inside the same transaction as the
// write.
func (a *Adapter) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx, rec *Recorder) (any, error)) (any, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := &Recorder{}
	result, err := fn(ctx, tx, rec)
	if err != nil {
		return nil, err
	}

	for _, change := range rec.changes {
		if registry.IsReserved(change.Collection) {
			continue
		}
		if a.onChange != nil {
			if err := a.onChange(ctx, tx, change); err != nil {
				return nil, fmt.Errorf("store: change hook: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return result, nil
}

// Recorder accumulates changes a method handler makes during one
// transaction, so WithTransaction can feed them to the router only
// after the handler itself succeeds.
type Recorder struct {
	// Sender and AllocSeq, when set by the method dispatcher before the
	// handler runs, stamp every recorded change with the originating
	// connection and a TX sequence allocated pre-commit, so the
	// originator's broadcast copy is ordered after its result frame.
	Sender   string
	AllocSeq func() uint64

	changes []Change
}

// Record appends one change. Handler code calls this after each
// INSERT/UPDATE/DELETE it issues.
func (r *Recorder) Record(c Change) {
	if r.Sender != "" {
		c.Sender = r.Sender
		if r.AllocSeq != nil {
			seq := r.AllocSeq()
			c.TxSeq = &seq
		}
	}
	r.changes = append(r.changes, c)
}

// Changes returns the changes recorded so far. The method dispatcher
// uses this on rollback to release any TX sequences it stamped.
func (r *Recorder) Changes() []Change {
	return r.changes
}
