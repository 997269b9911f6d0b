package domain

// ─── Wire Messages ──────────────────────────────────────────────────────────
// The five message variants carried by the length-prefixed wire
// transport (spec §4.1). Each concrete type below corresponds to one
// tag; wire.Codec encodes/decodes the tagged envelope.

// MsgClient is sent client -> server, on connect and on any change to
// Name/Group/Data/BlessingRes.
type MsgClient struct {
	Name        *string     `json:"name"`
	Group       *string     `json:"group"`
	Data        RawMessage  `json:"data"`
	BlessingRes BlessingRes `json:"blessing_res"`
}

// MsgServer is sent server -> client: a full snapshot, headered with
// the receiving connection's own Cid.
type MsgServer struct {
	Cid        Cid             `json:"cid"`
	Mid        Mid             `json:"mid"`
	Components []ComponentInfo `json:"components"`
}

// MsgClose is sent server -> client to request a graceful shutdown of
// the connection.
type MsgClose struct{}

// MsgSlave is sent slave -> master: this server's full local view.
type MsgSlave struct {
	Components []ComponentInfo `json:"components"`
}

// MsgMaster is sent master -> slave: the merged global view, headered
// with that slave's own Mid.
type MsgMaster struct {
	Mid        Mid             `json:"mid"`
	Components []ComponentInfo `json:"components"`
}
