// Package control implements the Control Channel & RPC: the fixed cid-0
// request/response protocol used for channel establishment, connect
// requests, and disposal, framed as Typed Payload Map messages.
package control

import (
	"fmt"

	"github.com/blang/semver"
	uuid "github.com/satori/go.uuid"

	"github.com/nullbridge/smux/payload"
)

// ProtocolVersion is the Ver string this build of smux carries on its
// Establish request/reply, used for mismatch logging rather than wire
// negotiation.
const ProtocolVersion = "1.0.0"

// keyVer is an Establish-only extra key: a semver string each side
// reports so the other can log a mismatch.
const keyVer = "Ver"

// parseVersion parses s with semver, returning the zero Version on a
// malformed or missing string rather than failing the RPC over it — a
// Ver mismatch is logged, never fatal.
func parseVersion(s string) (semver.Version, bool) {
	v, err := semver.Parse(s)
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}

// Cmd is the control message's command enum.
type Cmd byte

const (
	CmdUnset     Cmd = 0
	CmdEstablish Cmd = 1
	CmdDispose   Cmd = 2
	CmdConnect   Cmd = 3
	CmdRequest   Cmd = 4
)

func (c Cmd) String() string {
	switch c {
	case CmdUnset:
		return "Unset"
	case CmdEstablish:
		return "Establish"
	case CmdDispose:
		return "Dispose"
	case CmdConnect:
		return "Connect"
	case CmdRequest:
		return "Request"
	default:
		return "Unknown"
	}
}

// Flag distinguishes a request from its callback.
type Flag byte

const (
	FlagUnset    Flag = 0
	FlagControl  Flag = 1
	FlagCallback Flag = 2
)

// Reserved message keys.
const (
	keyTk   = "Tk"
	keyCmd  = "Cmd"
	keyFlag = "Flag"
	keyData = "Data"
)

// tkToValue converts a correlation token, either an int64 or a
// uuid.UUID, into its wire Value.
func tkToValue(tk interface{}) (payload.Value, error) {
	switch v := tk.(type) {
	case int64:
		return payload.I64(v), nil
	case uuid.UUID:
		return payload.GUID(v), nil
	default:
		return payload.Value{}, fmt.Errorf("control: unsupported token type %T", tk)
	}
}

// valueToTk is tkToValue's inverse, used when echoing a peer's token
// back verbatim regardless of which type the peer chose.
func valueToTk(v payload.Value) (interface{}, error) {
	switch v.Tag {
	case payload.TagI64:
		i, _ := v.AsInt64()
		return i, nil
	case payload.TagGUID:
		g, _ := v.AsGUID()
		return g, nil
	default:
		return nil, fmt.Errorf("control: Tk has unsupported tag %s", v.Tag)
	}
}

// withVersion returns extra with this build's ProtocolVersion added under
// keyVer, copying rather than mutating the caller's map.
func withVersion(extra map[string]payload.Value) map[string]payload.Value {
	out := make(map[string]payload.Value, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out[keyVer] = payload.String(ProtocolVersion)
	return out
}

// buildRequest assembles a Control-flagged message: Tk, Cmd, Flag, and
// an optional Data plus any extra command-specific keys.
func buildRequest(tk interface{}, cmd Cmd, data *payload.Value, extra map[string]payload.Value) (*payload.Map, error) {
	tkVal, err := tkToValue(tk)
	if err != nil {
		return nil, err
	}
	m := payload.New(payload.Options{})
	if err := m.Set(keyTk, tkVal); err != nil {
		return nil, err
	}
	if err := m.Set(keyCmd, payload.U8(byte(cmd))); err != nil {
		return nil, err
	}
	if err := m.Set(keyFlag, payload.U8(byte(FlagControl))); err != nil {
		return nil, err
	}
	if data != nil {
		if err := m.Set(keyData, *data); err != nil {
			return nil, err
		}
	}
	for k, v := range extra {
		if err := m.Set(k, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// buildCallback echoes tkVal (whichever Value type the original request
// used) back as a Callback-flagged reply carrying data.
func buildCallback(tkVal payload.Value, data *payload.Value, extra map[string]payload.Value) (*payload.Map, error) {
	m := payload.New(payload.Options{})
	if err := m.Set(keyTk, tkVal); err != nil {
		return nil, err
	}
	if err := m.Set(keyCmd, payload.U8(byte(CmdUnset))); err != nil {
		return nil, err
	}
	if err := m.Set(keyFlag, payload.U8(byte(FlagCallback))); err != nil {
		return nil, err
	}
	if data != nil {
		if err := m.Set(keyData, *data); err != nil {
			return nil, err
		}
	}
	for k, v := range extra {
		if err := m.Set(k, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}
