// Package ddp defines the wire vocabulary of the Distributed Data
// Protocol: the message discriminator, the frame shapes for
// each direction, protocol version negotiation, and the wire error
// form. It has no knowledge of connections, subscriptions, or the
// store — those live in internal/conn, internal/mergebox, and
// internal/store, which build these frames and hand them to the
// transport.
package ddp

// Msg is the "msg" discriminator carried by every DDP frame.
type Msg string

const (
	MsgConnect   Msg = "connect"
	MsgConnected Msg = "connected"
	MsgFailed    Msg = "failed"
	MsgPing      Msg = "ping"
	MsgPong      Msg = "pong"
	MsgSub       Msg = "sub"
	MsgUnsub     Msg = "unsub"
	MsgNosub     Msg = "nosub"
	MsgReady     Msg = "ready"
	MsgAdded     Msg = "added"
	MsgChanged   Msg = "changed"
	MsgRemoved   Msg = "removed"
	MsgMethod    Msg = "method"
	MsgResult    Msg = "result"
	MsgUpdated   Msg = "updated"
	MsgError     Msg = "error"
)

// SupportedVersions lists protocol versions this server accepts, most
// preferred first.
var SupportedVersions = []string{"1", "pre2", "pre1"}

// PreferredVersion is offered back to a client whose requested version
// isn't supported.
const PreferredVersion = "1"

// VersionSupported reports whether v is one this server can speak.
func VersionSupported(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// NegotiateVersion picks the most preferred of this server's
// SupportedVersions that also appears in the client's offered support
// list; the order of the client's list does not matter. Returns "",
// false if none match.
func NegotiateVersion(support []string) (string, bool) {
	for _, want := range SupportedVersions {
		for _, offered := range support {
			if offered == want {
				return want, true
			}
		}
	}
	return "", false
}

// Connect is the client's handshake request.
type Connect struct {
	Msg     Msg      `json:"msg" ddp:"msg"`
	Version string   `json:"version" ddp:"version"`
	Support []string `json:"support" ddp:"support"`
	Session string   `json:"session,omitempty" ddp:"session,optional"`
}

// Connected is the server's successful handshake reply.
type Connected struct {
	Msg     Msg    `json:"msg"`
	Session string `json:"session"`
}

// Failed is sent when the client's requested version is unsupported.
type Failed struct {
	Msg     Msg    `json:"msg"`
	Version string `json:"version"`
}

// Ping/Pong carry an optional id that must be echoed back.
type Ping struct {
	Msg Msg    `json:"msg" ddp:"msg"`
	ID  string `json:"id,omitempty" ddp:"id,optional"`
}

type Pong struct {
	Msg Msg    `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// Sub is a client subscription request.
type Sub struct {
	Msg    Msg            `json:"msg" ddp:"msg"`
	ID     string         `json:"id" ddp:"id"`
	Name   string         `json:"name" ddp:"name"`
	Params map[string]any `json:"params,omitempty" ddp:"params,optional"`
}

// Unsub is a client subscription teardown request.
type Unsub struct {
	Msg Msg    `json:"msg" ddp:"msg"`
	ID  string `json:"id" ddp:"id"`
}

// Nosub tells the client a subscription has ended, optionally carrying
// an error that caused it.
type Nosub struct {
	Msg   Msg    `json:"msg"`
	ID    string `json:"id"`
	Error *Error `json:"error,omitempty"`
}

// Ready announces that the named subscriptions have finished initial
// sync.
type Ready struct {
	Msg  Msg      `json:"msg"`
	Subs []string `json:"subs"`
}

// ObjChange is the added/changed/removed record frame. Fields is
// always present on added/changed and always absent on removed.
type ObjChange struct {
	Msg        Msg            `json:"msg"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Method is a client RPC invocation.
type Method struct {
	Msg        Msg    `json:"msg" ddp:"msg"`
	ID         string `json:"id" ddp:"id"`
	Method     string `json:"method" ddp:"method"`
	Params     []any  `json:"params,omitempty" ddp:"params,optional"`
	RandomSeed any    `json:"randomSeed,omitempty" ddp:"randomSeed,optional"`
}

// Result is the server's reply to a method invocation.
type Result struct {
	Msg    Msg    `json:"msg"`
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Updated tells the client which in-flight method stubs can be
// released, once their authoritative result has landed.
type Updated struct {
	Msg     Msg      `json:"msg"`
	Methods []string `json:"methods"`
}

// ErrorFrame is a bare protocol-level error, not tied to a method or
// sub.
type ErrorFrame struct {
	Msg   Msg   `json:"msg"`
	Error Error `json:"error"`
}
