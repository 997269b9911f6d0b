// Package domain holds the wire-independent types shared by every
// layer of the monitor service: components, blessing grants, and the
// per-server / per-master views built from them.
package domain

import "time"

// Cid is a component id, unique within one Server for a connection's
// lifetime. Assigned monotonically from 1 on client connect.
type Cid int64

// Mid is a monitor id, unique within one Master for a slave's
// lifetime. Mid 0 is reserved for the Master's own locally-attached
// Server.
type Mid int64

// LocalMid identifies the master's own server within mid_components.
const LocalMid Mid = 0

// Algorithm selects an election policy for one group.
type Algorithm string

const (
	BlessAll Algorithm = "BLESS_ALL"
	BlessOne Algorithm = "BLESS_ONE"
)

// BlessingReq is the authority-issued election grant. Token and
// Timestamp are both present or both none — see NewBlessingReq / the
// zero value NoReq().
type BlessingReq struct {
	Token     *int64   `json:"token"`
	Timestamp *float64 `json:"timestamp"`
}

// NoReq is the cleared grant: no token, no timestamp.
func NoReq() BlessingReq { return BlessingReq{} }

// NewBlessingReq issues a concrete grant for the given token at t.
func NewBlessingReq(token int64, t time.Time) BlessingReq {
	ts := float64(t.UnixNano()) / 1e9
	return BlessingReq{Token: &token, Timestamp: &ts}
}

// HasGrant reports whether both token and timestamp are present —
// "has-current-blessing" in spec terms.
func (r BlessingReq) HasGrant() bool {
	return r.Token != nil && r.Timestamp != nil
}

// Equal reports whether two requests carry the same token/timestamp
// presence and value.
func (r BlessingReq) Equal(o BlessingReq) bool {
	if (r.Token == nil) != (o.Token == nil) {
		return false
	}
	if r.Token != nil && *r.Token != *o.Token {
		return false
	}
	if (r.Timestamp == nil) != (o.Timestamp == nil) {
		return false
	}
	if r.Timestamp != nil && *r.Timestamp != *o.Timestamp {
		return false
	}
	return true
}

// BlessingRes is the component's readback: the token it has accepted
// echoed from the matching BlessingReq, plus its willingness to run.
type BlessingRes struct {
	Token *int64 `json:"token"`
	Ready bool   `json:"ready"`
}

// NoRes is the initial, unblessed response.
func NoRes() BlessingRes { return BlessingRes{} }

// TokenEquals reports whether res.Token echoes req.Token — both must
// be present and equal.
func (r BlessingRes) TokenEquals(req BlessingReq) bool {
	if r.Token == nil || req.Token == nil {
		return false
	}
	return *r.Token == *req.Token
}

// RawMessage is an opaque JSON payload forwarded verbatim; no
// algorithm keys off its contents.
type RawMessage = []byte

// ComponentInfo is the state of one component, as known by either a
// Server (where Mid is always the server's own mid) or a Master
// (where Mid identifies the originating slave, or LocalMid).
type ComponentInfo struct {
	Cid         Cid         `json:"cid"`
	Mid         Mid         `json:"mid"`
	Name        *string     `json:"name"`
	Group       *string     `json:"group"`
	Data        RawMessage  `json:"data"`
	Rank        int         `json:"rank"`
	BlessingReq BlessingReq `json:"blessing_req"`
	BlessingRes BlessingRes `json:"blessing_res"`
}

// NameGroup is a rank-cache key: a component identified by its
// operator-assigned (name, group) pair.
type NameGroup struct {
	Name  string
	Group string
}

// Key returns the (name, group) cache key for c, or the zero
// NameGroup and false if c has not yet announced a name.
func (c ComponentInfo) Key() (NameGroup, bool) {
	if c.Name == nil {
		return NameGroup{}, false
	}
	group := ""
	if c.Group != nil {
		group = *c.Group
	}
	return NameGroup{Name: *c.Name, Group: group}, true
}

// ServerState is a Server's public snapshot: its mid, its local
// components and the global component list. Clients are sent
// MsgServer instead, headered with their own Cid.
type ServerState struct {
	Mid              Mid             `json:"mid"`
	LocalComponents  []ComponentInfo `json:"local_components"`
	GlobalComponents []ComponentInfo `json:"global_components"`
}

// ClientState is what an Observer Client exposes to its embedder:
// its own entry plus the full component list it was sent.
type ClientState struct {
	Info       ComponentInfo
	Components []ComponentInfo
}
