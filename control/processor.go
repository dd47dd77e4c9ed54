package control

import (
	"github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/mux"
	"github.com/nullbridge/smux/payload"
	"github.com/nullbridge/smux/port"
)

// EstablishFunc allocates a new channel id, serving an Establish RPC.
// Only the proxy (egress) side registers one; the host side never
// receives Establish requests.
type EstablishFunc func() (int64, error)

// ConnectFunc performs the outbound TCP dial and pipes bytes between
// the named channel and the destination until either side closes. It
// is expected to return quickly after the dial resolves (success or
// failure); the byte-piping itself should run on its own goroutine.
type ConnectFunc func(cid int64, host string, portNum int32, feVersion uint8) error

// DisposeFunc closes the named channel if present.
type DisposeFunc func(cid int64)

// Processor wires a Client's callback delivery together with the
// command handlers that serve incoming requests, and registers the
// combined dispatch as a Multiplexer's ControlHandler.
type Processor struct {
	log *logging.Logger
	mux *mux.Multiplexer
	cl  *Client

	OnEstablish EstablishFunc
	OnConnect   ConnectFunc
	OnDispose   DisposeFunc
}

// NewProcessor constructs a Processor. Callers set OnEstablish/OnConnect/
// OnDispose afterward depending on which side (host or proxy) this
// process is playing.
func NewProcessor(m *mux.Multiplexer, cl *Client) *Processor {
	return &Processor{
		log: logging.Get("control"),
		mux: m,
		cl:  cl,
	}
}

// Dispatch is the ControlHandler registered with the Multiplexer, which
// runs each call on its own goroutine; command execution that takes real
// time (a TCP dial) therefore runs inline here without stalling the
// engine's dispatcher loop.
func (p *Processor) Dispatch(eng *port.Engine, raw []byte) {
	m, err := payload.Deserialize(raw)
	if err != nil {
		p.log.Warningf("malformed control payload: %v", err)
		return
	}
	flagV, ok := m.GetUint64(keyFlag)
	if !ok {
		p.log.Warningf("control message missing Flag")
		return
	}
	tkVal, ok := m.Get(keyTk)
	if !ok {
		p.log.Warningf("control message missing Tk")
		return
	}

	if Flag(flagV) == FlagCallback {
		p.cl.deliverMessage(tkVal, m)
		return
	}

	cmdV, _ := m.GetUint64(keyCmd)
	cmd := Cmd(cmdV)
	switch cmd {
	case CmdEstablish:
		p.handleEstablish(eng, tkVal, m)
	case CmdConnect:
		p.handleConnect(eng, tkVal, m)
	case CmdDispose:
		p.handleDispose(eng, tkVal, m)
	default:
		p.log.Warningf("unrecognized control command %d, not acknowledged", cmdV)
	}
}

func (p *Processor) reply(eng *port.Engine, tkVal payload.Value, data *payload.Value, extra map[string]payload.Value) {
	resp, err := buildCallback(tkVal, data, extra)
	if err != nil {
		p.log.Errorf("building callback: %v", err)
		return
	}
	encoded, err := resp.Serialize()
	if err != nil {
		p.log.Errorf("serializing callback: %v", err)
		return
	}
	if err := p.mux.SendControl(eng, encoded); err != nil {
		p.log.Warningf("sending callback: %v", err)
	}
}

func (p *Processor) handleEstablish(eng *port.Engine, tkVal payload.Value, m *payload.Map) {
	if peerVerStr, ok := m.GetString(keyVer); ok {
		if peerVer, ok := parseVersion(peerVerStr); ok {
			ourVer, _ := parseVersion(ProtocolVersion)
			if peerVer.Major != ourVer.Major {
				p.log.Warningf("peer protocol version %s differs from ours %s", peerVer, ourVer)
			}
		} else {
			p.log.Debugf("Establish carried unparseable Ver %q", peerVerStr)
		}
	}

	cid := int64(-1)
	if p.OnEstablish != nil {
		if id, err := p.OnEstablish(); err == nil {
			cid = id
		} else {
			p.log.Warningf("Establish failed: %v", err)
		}
	}
	data := payload.I64(cid)
	p.reply(eng, tkVal, &data, map[string]payload.Value{keyVer: payload.String(ProtocolVersion)})
}

func (p *Processor) handleConnect(eng *port.Engine, tkVal payload.Value, m *payload.Map) {
	cid, _ := m.GetInt64(keyData)
	host, _ := m.GetString("host")
	portNum, _ := m.GetInt64("port")
	feVersion, _ := m.GetUint64("v")

	var dialErr error
	if p.OnConnect != nil {
		dialErr = p.OnConnect(cid, host, int32(portNum), uint8(feVersion))
	}
	if dialErr != nil {
		p.log.Warningf("Connect to %s:%d for channel %d failed: %v", host, portNum, cid, dialErr)
		if ch, ok := p.mux.Lookup(cid); ok {
			_ = ch.Close()
		}
		p.reply(eng, tkVal, nil, nil)
		return
	}
	p.reply(eng, tkVal, nil, nil)
}

func (p *Processor) handleDispose(eng *port.Engine, tkVal payload.Value, m *payload.Map) {
	cid, _ := m.GetInt64(keyData)
	if p.OnDispose != nil {
		p.OnDispose(cid)
	} else if ch, ok := p.mux.Lookup(cid); ok {
		_ = ch.Close()
	}
	p.reply(eng, tkVal, nil, nil)
}
