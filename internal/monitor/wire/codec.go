// Package wire implements the length-prefixed framing and JSON codec
// shared by both federated protocols (client<->server, slave<->master).
// Architecture: one frame carries one tagged message; the five
// variants are domain.MsgClient, domain.MsgServer, domain.MsgClose,
// domain.MsgSlave, domain.MsgMaster (spec §4.1, §6).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tutu-network/monitor/internal/monitor/domain"
)

// Kind tags the message variant carried by one frame.
type Kind byte

const (
	KindClient Kind = iota + 1
	KindServer
	KindClose
	KindSlave
	KindMaster
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "MsgClient"
	case KindServer:
		return "MsgServer"
	case KindClose:
		return "MsgClose"
	case KindSlave:
		return "MsgSlave"
	case KindMaster:
		return "MsgMaster"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// MaxFrameBytes bounds a single frame's JSON body, guarding against a
// corrupt or hostile length prefix.
const MaxFrameBytes = 16 << 20 // 16 MiB

// Encode serialises msg into a length-prefixed frame: 4-byte
// big-endian length, 1-byte kind, JSON body. The JSON body never
// relies on `omitempty` for optional fields — present-but-none fields
// are written as an explicit JSON null, never dropped from the
// envelope.
func Encode(w io.Writer, msg any) error {
	kind, err := kindOf(msg)
	if err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal %s: %w", kind, err)
	}
	if len(body) > MaxFrameBytes {
		return domain.ErrFrameTooLarge
	}

	frame := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)+1))
	frame[4] = byte(kind)
	copy(frame[5:], body)

	_, err = w.Write(frame)
	return err
}

// Decode reads one frame from r and returns the concrete message
// value (one of domain.MsgClient, domain.MsgServer, domain.MsgClose,
// domain.MsgSlave, domain.MsgMaster). An unknown kind or malformed
// frame yields domain.ErrProtocolViolation — callers must close the
// connection on any such error (spec §6).
func Decode(r io.Reader) (any, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameBytes {
		return nil, domain.ErrProtocolViolation
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	kind := Kind(buf[0])
	body := buf[1:]

	switch kind {
	case KindClient:
		var m domain.MsgClient
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
		}
		return m, nil
	case KindServer:
		var m domain.MsgServer
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
		}
		return m, nil
	case KindClose:
		return domain.MsgClose{}, nil
	case KindSlave:
		var m domain.MsgSlave
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
		}
		return m, nil
	case KindMaster:
		var m domain.MsgMaster
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err)
		}
		return m, nil
	default:
		return nil, domain.ErrProtocolViolation
	}
}

func kindOf(msg any) (Kind, error) {
	switch msg.(type) {
	case domain.MsgClient:
		return KindClient, nil
	case domain.MsgServer:
		return KindServer, nil
	case domain.MsgClose:
		return KindClose, nil
	case domain.MsgSlave:
		return KindSlave, nil
	case domain.MsgMaster:
		return KindMaster, nil
	default:
		return 0, fmt.Errorf("wire: unencodable message type %T", msg)
	}
}
