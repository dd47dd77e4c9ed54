// Package egress implements the proxy-side collaborator: the outbound
// TCP dial and the byte-pipe between that socket and the virtual
// channel the host asked to be connected. This is the minimal concrete
// instance `cmd/smuxproxy` wires up.
package egress

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/mux"
)

var log = logging.Get("egress")

// DialTimeout bounds how long a single Connect RPC waits for the TCP
// three-way handshake before failing the request.
const DialTimeout = 10 * time.Second

// Connector wires control.Processor's ConnectFunc to a real TCP dial
// against the Multiplexer's already-established channel table.
type Connector struct {
	Mux *mux.Multiplexer
}

// Connect is a control.ConnectFunc: it looks up the pre-established
// channel cid (created by the Establish handler), dials host:port, and
// spawns the bidirectional pipe. It returns as soon as the dial resolves
// so the control dispatcher is never blocked on the lifetime of the
// tunnel itself.
func (c *Connector) Connect(cid int64, host string, port int32, feVersion uint8) error {
	ch, ok := c.Mux.Lookup(cid)
	if !ok {
		return fmt.Errorf("egress: no established channel %d", cid)
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	log.Infof("channel %d connected to %s (frontend v=%d)", cid, addr, feVersion)
	go pipe(cid, conn, ch)
	return nil
}

// Establish allocates a channel id and, since the channel must exist by
// the time a Connect for that cid arrives, creates its Virtual Channel
// immediately rather than deferring to Connect.
func (c *Connector) Establish() (int64, error) {
	id := c.Mux.AllocateID()
	c.Mux.NewChannel(id)
	return id, nil
}

// pipe copies bytes in both directions between conn and ch until either
// side reaches EOF, then closes both — the egress half of the S3/S4
// scenarios' byte-piping step.
func pipe(cid int64, conn net.Conn, ch *mux.Channel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(ch, conn)
		ch.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, ch)
		conn.Close()
	}()
	wg.Wait()
	log.Debugf("channel %d pipe closed", cid)
}
