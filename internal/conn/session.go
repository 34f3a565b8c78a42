// Package conn implements the connection state machine: the DDP
// handshake, sub/unsub/method dispatch, the ordered TX buffer, and the
// per-collection SeenIDs filter. One Session is owned
// by exactly one connection task; the NOTIFY listener is the only
// other producer, and it touches nothing but the TX buffer, the
// SeenIDs filter and the router's seen index, each of which carries
// its own lock.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ddp-host/ddpd/internal/alea"
	"github.com/ddp-host/ddpd/internal/ddp"
	"github.com/ddp-host/ddpd/internal/ejson"
	"github.com/ddp-host/ddpd/internal/mergebox"
	"github.com/ddp-host/ddpd/internal/registry"
	"github.com/ddp-host/ddpd/internal/router"
	"github.com/ddp-host/ddpd/internal/store"
)

// State tracks the connection lifecycle:
// OPENED -> CONNECTING -> ACTIVE -> CLOSED.
type State int

const (
	StateOpened State = iota
	StateConnecting
	StateActive
	StateClosed
)

// Snapshotter yields the store's current transaction id.
type Snapshotter interface {
	SnapshotID(ctx context.Context) (int64, error)
}

// TxRunner runs a function inside a store transaction, firing change
// hooks for recorded mutations before commit. Satisfied by
// *store.Adapter.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx, rec *store.Recorder) (any, error)) (any, error)
}

// Mergebox computes unique(S) difference sets. Satisfied by
// *mergebox.Engine.
type Mergebox interface {
	Unique(ctx context.Context, userID any, isSuperuser bool, queries []registry.Query, others []mergebox.ActiveSub, snapshotUpper *int64) ([]mergebox.CollectionRows, error)
}

// ObjectMapper maps store primary keys to opaque client ids.
type ObjectMapper interface {
	MeteorID(ctx context.Context, collection, pk string) (string, error)
}

// Persister writes the connection/subscription bookkeeping rows.
// Satisfied by *pgxpool.Pool; nil disables persistence (used by
// tests).
type Persister interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Deps bundles everything a Session calls out to.
type Deps struct {
	Reg    *registry.Registry
	Store  TxRunner
	Snap   Snapshotter
	Merge  Mergebox
	ObjMap ObjectMapper
	DB     Persister

	// Subs and Seen are the change router's process-wide indexes; the
	// session registers its interests and marks deliveries there so the
	// router can compute subscriber sets.
	Subs *router.SubIndex
	Seen *router.SeenIndex

	// ServerAddr identifies this process (host + pid + listen socket)
	// in the connection table for cross-process routing lookups.
	ServerAddr string

	// Debug enables stack traces in 500 details.
	Debug bool
}

// subState is one live subscription: the expanded queries, the acting
// user captured at sub time, and the snapshot upper bound.
type subState struct {
	id       string
	name     string
	params   map[string]any
	userID   any
	queries  []registry.Query
	snapshot int64
}

// Session is one DDP connection's server-side state.
type Session struct {
	// ID is the 17-character session id, fixed at creation.
	ID string

	deps       Deps
	remoteAddr string
	rand       *alea.Stream

	state       State
	version     string
	userID      any
	isSuperuser bool
	subs        map[string]*subState
	subOrder    []string

	seen *SeenIDs
	tx   *TxBuffer
}

// NewSession creates a Session in the OPENED state with a fresh
// process-entropy id.
func NewSession(deps Deps, remoteAddr string) *Session {
	return &Session{
		ID:         alea.NewSecure().ID(),
		deps:       deps,
		remoteAddr: remoteAddr,
		rand:       alea.NewStream(nil),
		state:      StateOpened,
		subs:       make(map[string]*subState),
		seen:       NewSeenIDs(),
		tx:         NewTxBuffer(),
	}
}

// Out is the ordered stream of socket payloads the transport writer
// must drain.
func (s *Session) Out() <-chan []byte {
	return s.tx.Out()
}

// State returns the current lifecycle state. Only meaningful on the
// connection task.
func (s *Session) State() State {
	return s.state
}

// UserID returns the acting user bound to the connection, nil when
// unauthenticated.
func (s *Session) UserID() any {
	return s.userID
}

// Open emits the session opening frames: the literal byte "o", then
// {server_id: "0"}.
func (s *Session) Open() error {
	if s.state != StateOpened {
		return fmt.Errorf("conn: open in state %d", s.state)
	}
	s.state = StateConnecting
	if err := s.tx.Deliver(s.tx.Allocate(), []byte("o")); err != nil {
		return err
	}
	return s.send(s.tx.Allocate(), map[string]any{"server_id": "0"})
}

// Handle processes one incoming socket payload, which may batch
// several DDP messages (SockJS array form) or carry a single bare
// EJSON object. Returned errors are fatal to the connection; protocol
// violations are answered on the wire instead.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	docs, err := ejson.DecodeFrames(raw)
	if err != nil {
		doc, uerr := ejson.Unmarshal(raw)
		if uerr != nil {
			return s.sendError(ddp.BadRequest("malformed frame"))
		}
		docs = []ejson.Doc{doc}
	}

	for _, doc := range docs {
		msg, ok := doc.(map[string]any)
		if !ok {
			if err := s.sendError(ddp.BadRequest("frame is not an object")); err != nil {
				return err
			}
			continue
		}
		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, msg map[string]any) error {
	kind, _ := msg["msg"].(string)

	switch s.state {
	case StateConnecting:
		if ddp.Msg(kind) != ddp.MsgConnect {
			return s.sendError(ddp.BadRequest("expected connect"))
		}
		return s.handleConnect(ctx, msg)
	case StateActive:
		switch ddp.Msg(kind) {
		case ddp.MsgPing:
			return s.handlePing(msg)
		case ddp.MsgPong:
			return nil
		case ddp.MsgSub:
			return s.handleSub(ctx, msg)
		case ddp.MsgUnsub:
			return s.handleUnsub(ctx, msg)
		case ddp.MsgMethod:
			return s.handleMethod(ctx, msg)
		default:
			return s.sendError(ddp.BadRequest(fmt.Sprintf("unknown message %q", kind)))
		}
	default:
		return fmt.Errorf("conn: message in state %d", s.state)
	}
}

func (s *Session) handleConnect(ctx context.Context, msg map[string]any) error {
	var req ddp.Connect
	if werr := ddp.BindParams(msg, &req); werr != nil {
		return s.sendError(werr)
	}

	if !ddp.VersionSupported(req.Version) {
		// Stay in CONNECTING and suggest the best mutually-supported
		// version from the client's support list, falling back to our
		// preferred one; the client may retry with it.
		suggested, ok := ddp.NegotiateVersion(req.Support)
		if !ok {
			suggested = ddp.PreferredVersion
		}
		return s.sendNext(ddp.Failed{Msg: ddp.MsgFailed, Version: suggested})
	}

	s.version = req.Version
	s.state = StateActive

	if s.deps.DB != nil {
		_, err := s.deps.DB.Exec(ctx,
			`INSERT INTO connection (id, server_addr, remote_addr, version) VALUES ($1, $2, $3, $4)`,
			s.ID, s.deps.ServerAddr, s.remoteAddr, s.version,
		)
		if err != nil {
			return fmt.Errorf("conn: persist connection: %w", err)
		}
	}

	log.Printf("conn %s: connected (version=%s remote=%s)", s.ID, s.version, s.remoteAddr)
	return s.sendNext(ddp.Connected{Msg: ddp.MsgConnected, Session: s.ID})
}

func (s *Session) handlePing(msg map[string]any) error {
	var req ddp.Ping
	if werr := ddp.BindParams(msg, &req); werr != nil {
		return s.sendError(werr)
	}
	return s.sendNext(ddp.Pong{Msg: ddp.MsgPong, ID: req.ID})
}

func (s *Session) handleSub(ctx context.Context, msg map[string]any) error {
	var req ddp.Sub
	if werr := ddp.BindParams(msg, &req); werr != nil {
		return s.sendError(werr)
	}

	if _, dup := s.subs[req.ID]; dup {
		return s.sendError(ddp.BadRequest(fmt.Sprintf("duplicate sub id %q", req.ID)))
	}

	pub, ok := s.deps.Reg.Publication(req.Name)
	if !ok {
		return s.sendNext(ddp.Nosub{Msg: ddp.MsgNosub, ID: req.ID,
			Error: ddp.NotFound(fmt.Sprintf("unknown publication %q", req.Name))})
	}

	queries, err := pub.Fn(s.userID, req.Params)
	if err != nil {
		return s.sendNext(ddp.Nosub{Msg: ddp.MsgNosub, ID: req.ID, Error: s.wireError(err)})
	}

	snapshot, err := s.deps.Snap.SnapshotID(ctx)
	if err != nil {
		return fmt.Errorf("conn: sub snapshot: %w", err)
	}

	sub := &subState{
		id:       req.ID,
		name:     req.Name,
		params:   req.Params,
		userID:   s.userID,
		queries:  queries,
		snapshot: snapshot,
	}

	if err := s.persistSub(ctx, sub); err != nil {
		return err
	}

	// Register interests before initial sync so live updates for
	// transactions past the snapshot aren't missed; the xmin upper bound
	// keeps the two streams from overlapping.
	for _, q := range sub.queries {
		s.deps.Subs.Add(q.Collection, router.SubEntry{
			ConnID:      s.ID,
			SubID:       sub.id,
			Query:       q,
			UserID:      sub.userID,
			IsSuperuser: s.isSuperuser,
		})
	}
	s.subs[sub.id] = sub
	s.subOrder = append(s.subOrder, sub.id)

	// Initial sync: added for every row unique to this sub.
	unique, err := s.deps.Merge.Unique(ctx, sub.userID, s.isSuperuser, sub.queries, s.othersFor(sub.id), &snapshot)
	if err != nil {
		s.dropSub(ctx, sub.id)
		return s.sendNext(ddp.Nosub{Msg: ddp.MsgNosub, ID: req.ID, Error: s.wireError(err)})
	}
	if err := s.emitRows(ctx, unique, ddp.MsgAdded); err != nil {
		return err
	}

	log.Printf("conn %s: sub %s -> %s (%d collections)", s.ID, sub.id, sub.name, len(unique))
	return s.sendNext(ddp.Ready{Msg: ddp.MsgReady, Subs: []string{sub.id}})
}

func (s *Session) handleUnsub(ctx context.Context, msg map[string]any) error {
	var req ddp.Unsub
	if werr := ddp.BindParams(msg, &req); werr != nil {
		return s.sendError(werr)
	}

	sub, ok := s.subs[req.ID]
	if !ok {
		return s.sendNext(ddp.Nosub{Msg: ddp.MsgNosub, ID: req.ID})
	}

	// Removed for every row unique to this sub at the current
	// snapshot, then the sub itself goes away.
	unique, err := s.deps.Merge.Unique(ctx, sub.userID, s.isSuperuser, sub.queries, s.othersFor(sub.id), nil)
	if err != nil {
		return fmt.Errorf("conn: unsub %s: %w", sub.id, err)
	}
	if err := s.emitRows(ctx, unique, ddp.MsgRemoved); err != nil {
		return err
	}

	s.dropSub(ctx, sub.id)
	log.Printf("conn %s: unsub %s (%s)", s.ID, sub.id, sub.name)
	return s.sendNext(ddp.Nosub{Msg: ddp.MsgNosub, ID: req.ID})
}

func (s *Session) handleMethod(ctx context.Context, msg map[string]any) error {
	var req ddp.Method
	if werr := ddp.BindParams(msg, &req); werr != nil {
		return s.sendError(werr)
	}

	resultSeq := s.tx.Allocate()
	updatedSeq := s.tx.Allocate()

	method, ok := s.deps.Reg.Method(req.Method)
	if !ok {
		if err := s.send(resultSeq, ddp.Result{Msg: ddp.MsgResult, ID: req.ID,
			Error: ddp.NotFound(fmt.Sprintf("unknown method %q", req.Method))}); err != nil {
			return err
		}
		return s.send(updatedSeq, ddp.Updated{Msg: ddp.MsgUpdated, Methods: []string{req.ID}})
	}

	var recorded []store.Change
	result, err := s.deps.Store.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx, rec *store.Recorder) (out any, ferr error) {
		// Broadcast sequences are allocated as the handler records
		// writes, after resultSeq — so the result frame always precedes
		// the method's own broadcast copies.
		rec.Sender = s.ID
		rec.AllocSeq = s.tx.Allocate

		defer func() {
			recorded = rec.Changes()
			if r := recover(); r != nil {
				ferr = fmt.Errorf("conn: method %s panic: %v\n%s", req.Method, r, debug.Stack())
			}
		}()

		mctx := &Ctx{
			Context:     ctx,
			Session:     s,
			UserID:      s.userID,
			IsSuperuser: s.isSuperuser,
			Tx:          tx,
			Rec:         rec,
			Rand:        alea.NewStream(req.RandomSeed),
		}
		return method.Fn(mctx, req.Params)
	})

	res := ddp.Result{Msg: ddp.MsgResult, ID: req.ID}
	if err != nil {
		// The transaction rolled back; release any broadcast sequences
		// the handler's writes reserved so the buffer doesn't stall.
		for _, c := range recorded {
			if c.TxSeq != nil {
				s.tx.Skip(*c.TxSeq)
			}
		}
		res.Error = s.wireError(err)
		log.Printf("conn %s: method %s failed: %v", s.ID, req.Method, err)
	} else {
		res.Result = result
	}

	if err := s.send(resultSeq, res); err != nil {
		return err
	}
	return s.send(updatedSeq, ddp.Updated{Msg: ddp.MsgUpdated, Methods: []string{req.ID}})
}

// SetUser rebinds the connection's acting user and replays visibility:
// rows leaving the union of subscriptions are removed, rows entering
// it are added. Must be called from the connection task (typically
// inside a login/logout method handler).
func (s *Session) SetUser(ctx context.Context, userID any, superuser bool) error {
	oldUser, oldSuper := s.userID, s.isSuperuser
	s.userID, s.isSuperuser = userID, superuser

	if len(s.subs) == 0 {
		return nil
	}

	var allQueries []registry.Query
	for _, id := range s.subOrder {
		allQueries = append(allQueries, s.subs[id].queries...)
	}

	before, err := s.deps.Merge.Unique(ctx, oldUser, oldSuper, allQueries, nil, nil)
	if err != nil {
		return fmt.Errorf("conn: auth change (before): %w", err)
	}
	after, err := s.deps.Merge.Unique(ctx, userID, superuser, allQueries, nil, nil)
	if err != nil {
		return fmt.Errorf("conn: auth change (after): %w", err)
	}
	added, removed := mergebox.SymmetricDiff(before, after)

	// Re-register every interest under the new user before emitting
	// deltas, so concurrent routed changes are judged against the new
	// identity.
	for _, id := range s.subOrder {
		sub := s.subs[id]
		sub.userID = userID
		s.deps.Subs.Remove(s.ID, sub.id)
		for _, q := range sub.queries {
			s.deps.Subs.Add(q.Collection, router.SubEntry{
				ConnID:      s.ID,
				SubID:       sub.id,
				Query:       q,
				UserID:      userID,
				IsSuperuser: superuser,
			})
		}
		if s.deps.DB != nil {
			if _, err := s.deps.DB.Exec(ctx,
				`UPDATE subscription SET user_id = $1 WHERE connection_id = $2 AND sub_id = $3`,
				userID, s.ID, sub.id,
			); err != nil {
				return fmt.Errorf("conn: auth change persist: %w", err)
			}
		}
	}

	if err := s.emitRows(ctx, removed, ddp.MsgRemoved); err != nil {
		return err
	}
	return s.emitRows(ctx, added, ddp.MsgAdded)
}

// Close tears the connection down: releases subscriptions, drops
// router state, deletes the connection row, and discards the TX
// buffer. Idempotent.
func (s *Session) Close(ctx context.Context) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed

	s.deps.Subs.RemoveConnection(s.ID)
	s.deps.Seen.DropConnection(s.ID)
	if s.deps.DB != nil {
		// Cascades to subscription and subscription_collection.
		if _, err := s.deps.DB.Exec(ctx, `DELETE FROM connection WHERE id = $1`, s.ID); err != nil {
			log.Printf("conn %s: delete connection row: %v", s.ID, err)
		}
	}
	s.tx.Close()
	log.Printf("conn %s: closed", s.ID)
}

// DeliverChange hands one routed added/changed/removed frame to the
// connection, from the NOTIFY listener. seq is the pre-allocated TX
// sequence when this connection originated the write; nil allocates a
// fresh one.
func (s *Session) DeliverChange(frame ddp.ObjChange, seq *uint64) error {
	var sq uint64
	if seq != nil {
		sq = *seq
	} else {
		sq = s.tx.Allocate()
	}

	kind, ok := s.seen.Filter(frame.Msg, frame.Collection, frame.ID)
	if !ok {
		s.tx.Skip(sq)
		return nil
	}
	frame.Msg = kind
	if kind == ddp.MsgRemoved {
		frame.Fields = nil
		s.deps.Seen.Unmark(frame.Collection, frame.ID, s.ID)
	} else {
		s.deps.Seen.Mark(frame.Collection, frame.ID, s.ID)
	}
	return s.send(sq, frame)
}

// SkipSeq releases a pre-allocated broadcast sequence that turned out
// to carry no frame for this connection.
func (s *Session) SkipSeq(seq uint64) {
	s.tx.Skip(seq)
}

// othersFor lists the connection's active subscriptions except skipID,
// in sub order — the S' set of the mergebox difference.
func (s *Session) othersFor(skipID string) []mergebox.ActiveSub {
	var out []mergebox.ActiveSub
	for _, id := range s.subOrder {
		if id == skipID {
			continue
		}
		sub := s.subs[id]
		out = append(out, mergebox.ActiveSub{SubID: sub.id, UserID: sub.userID, Queries: sub.queries})
	}
	return out
}

// emitRows sends one added/removed frame per row, mapping primary keys
// to opaque client ids and passing each frame through the SeenIDs
// filter plus the router's process-wide seen index.
func (s *Session) emitRows(ctx context.Context, rows []mergebox.CollectionRows, kind ddp.Msg) error {
	for _, cr := range rows {
		for _, row := range cr.Rows {
			clientID, err := s.deps.ObjMap.MeteorID(ctx, cr.Collection, row.PK)
			if err != nil {
				return fmt.Errorf("conn: object id %s/%s: %w", cr.Collection, row.PK, err)
			}
			filtered, ok := s.seen.Filter(kind, cr.Collection, clientID)
			if !ok {
				continue
			}
			frame := ddp.ObjChange{Msg: filtered, Collection: cr.Collection, ID: clientID}
			if filtered != ddp.MsgRemoved {
				frame.Fields = frameFields(row.Fields)
				s.deps.Seen.Mark(cr.Collection, clientID, s.ID)
			} else {
				s.deps.Seen.Unmark(cr.Collection, clientID, s.ID)
			}
			if err := s.sendNext(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// frameFields copies a row's fields for the wire, dropping the store
// primary key — the client identifies records by opaque id only.
func frameFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Session) persistSub(ctx context.Context, sub *subState) error {
	if s.deps.DB == nil {
		return nil
	}
	params, err := ejson.Marshal(sub.params)
	if err != nil {
		return fmt.Errorf("conn: encode sub params: %w", err)
	}
	if _, err := s.deps.DB.Exec(ctx,
		`INSERT INTO subscription (connection_id, sub_id, user_id, publication, params_ejson, xmin_upper)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, sub.id, sub.userID, sub.name, string(params), sub.snapshot,
	); err != nil {
		return fmt.Errorf("conn: persist subscription: %w", err)
	}
	for _, q := range sub.queries {
		if _, err := s.deps.DB.Exec(ctx,
			`INSERT INTO subscription_collection (connection_id, sub_id, collection_name) VALUES ($1, $2, $3)`,
			s.ID, sub.id, q.Collection,
		); err != nil {
			return fmt.Errorf("conn: persist subscription collection: %w", err)
		}
	}
	return nil
}

func (s *Session) dropSub(ctx context.Context, subID string) {
	s.deps.Subs.Remove(s.ID, subID)
	delete(s.subs, subID)
	for i, id := range s.subOrder {
		if id == subID {
			s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
			break
		}
	}
	if s.deps.DB != nil {
		if _, err := s.deps.DB.Exec(ctx,
			`DELETE FROM subscription WHERE connection_id = $1 AND sub_id = $2`, s.ID, subID,
		); err != nil {
			log.Printf("conn %s: delete subscription row %s: %v", s.ID, subID, err)
		}
	}
}

// wireError converts a handler/publication error into the wire form:
// *ddp.Error values pass through, anything else becomes a 500 whose
// details carry the error text only in debug mode.
func (s *Session) wireError(err error) *ddp.Error {
	var werr *ddp.Error
	if errors.As(err, &werr) {
		return werr
	}
	details := ""
	if s.deps.Debug {
		details = err.Error()
	}
	return ddp.Internal("internal server error", details)
}

// send encodes msgs as one SockJS a-frame and delivers it at seq.
func (s *Session) send(seq uint64, msgs ...any) error {
	body, err := ejson.EncodeFrames(msgs...)
	if err != nil {
		return fmt.Errorf("conn: encode frames: %w", err)
	}
	payload := append([]byte{'a'}, body...)
	return s.tx.Deliver(seq, payload)
}

// sendNext sends msgs at a freshly allocated sequence.
func (s *Session) sendNext(msgs ...any) error {
	return s.send(s.tx.Allocate(), msgs...)
}

func (s *Session) sendError(werr *ddp.Error) error {
	return s.sendNext(ddp.ErrorFrame{Msg: ddp.MsgError, Error: *werr})
}
