// Package frontend implements the host-side local listeners: a
// CONNECT-only SOCKS5 subset (RFC 1928) and an HTTP-CONNECT listener,
// both of which establish a virtual channel through the control client
// and then pipe the local socket to it.
package frontend

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nullbridge/smux/control"
	"github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/mux"
	"github.com/nullbridge/smux/payload"
)

// FrontendVersion markers carried in the Connect RPC's "v" key.
const (
	VersionHTTPConnect uint8 = 0
	VersionSOCKS5      uint8 = 5
)

var log = logging.Get("frontend")

// Dialer establishes a channel and asks the peer to connect it to
// host:port, the sequence every local listener performs before piping.
type Dialer struct {
	Mux    *mux.Multiplexer
	Client *control.Client
}

// EstablishAndConnect issues Establish then Connect and returns the
// resulting local Channel, ready to pipe.
func (d *Dialer) EstablishAndConnect(ctx context.Context, host string, port int32, feVersion uint8) (*mux.Channel, error) {
	estResp, err := d.Client.Call(ctx, nil, control.CmdEstablish, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("frontend: establish: %w", err)
	}
	cid, ok := estResp.GetInt64("Data")
	if !ok || cid < 0 {
		return nil, fmt.Errorf("frontend: peer refused to allocate a channel")
	}

	ch := d.Mux.NewChannel(cid)

	data := payload.I64(cid)
	_, err = d.Client.Call(ctx, nil, control.CmdConnect, &data, map[string]payload.Value{
		"host": payload.String(host),
		"port": payload.I32(port),
		"v":    payload.U8(feVersion),
	})
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("frontend: connect: %w", err)
	}
	return ch, nil
}

// pipe copies bytes in both directions between a local connection and a
// virtual channel until either side reaches EOF, then closes both.
func pipe(local io.ReadWriteCloser, ch *mux.Channel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(ch, local)
		ch.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, ch)
		local.Close()
	}()
	wg.Wait()
}
