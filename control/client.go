package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"

	"github.com/nullbridge/smux/internal/logging"
	"github.com/nullbridge/smux/mux"
	"github.com/nullbridge/smux/payload"
	"github.com/nullbridge/smux/port"
)

// maxPendingRequests bounds the LRU table of outstanding RPCs; the
// oldest unanswered request is evicted (and its awaiter unblocked with
// an error) once the table is full, the same correlation pattern the
// pending-callback table it's grounded on uses.
const maxPendingRequests = 256

// Client issues Control Channel RPCs and correlates replies by Tk,
// exactly mirroring the request/reply LRU used by the pending-callback
// table it's grounded on — adapted here from HTTP long-poll responses
// to synchronous serial-link round trips.
type Client struct {
	log *logging.Logger
	mux *mux.Multiplexer

	nextTk atomic.Int64

	mu      sync.Mutex
	pending *lru.Cache // Tk (int64 or uuid.UUID) -> chan *payload.Map
}

// NewClient constructs a Client over m. m's registered ControlHandler
// (see Processor.Dispatch) must route Callback-flagged messages back
// into this Client's deliverMessage method.
func NewClient(m *mux.Multiplexer) *Client {
	c := &Client{
		log:     logging.Get("control"),
		mux:     m,
		pending: lru.New(maxPendingRequests),
	}
	c.pending.OnEvicted = func(key lru.Key, value interface{}) {
		if ch, ok := value.(chan *payload.Map); ok {
			close(ch)
		}
	}
	return c
}

// Call issues cmd with the given Data/extra keys on eng, blocking until
// the matching Callback arrives or ctx is canceled. A nil eng lets the
// multiplexer pick the least-backpressured engine.
func (c *Client) Call(ctx context.Context, eng *port.Engine, cmd Cmd, data *payload.Value, extra map[string]payload.Value) (*payload.Map, error) {
	if cmd == CmdEstablish {
		extra = withVersion(extra)
	}
	tk := c.nextTk.Add(1)
	req, err := buildRequest(tk, cmd, data, extra)
	if err != nil {
		return nil, err
	}
	replyCh := make(chan *payload.Map, 1)
	c.mu.Lock()
	c.pending.Add(tk, replyCh)
	c.mu.Unlock()

	encoded, err := req.Serialize()
	if err != nil {
		c.forget(tk)
		return nil, err
	}
	if err := c.mux.SendControl(eng, encoded); err != nil {
		c.forget(tk)
		return nil, err
	}

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return nil, fmt.Errorf("control: request %d evicted before reply", tk)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(tk)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(tk int64) {
	c.mu.Lock()
	c.pending.Remove(tk)
	c.mu.Unlock()
}

// deliverMessage hands a decoded Callback message to its waiting Call,
// if any. An unknown Tk is silently dropped.
func (c *Client) deliverMessage(tkVal payload.Value, m *payload.Map) {
	tk, err := valueToTk(tkVal)
	if err != nil {
		c.log.Debugf("callback with unusable Tk: %v", err)
		return
	}
	c.mu.Lock()
	v, ok := c.pending.Get(tk)
	if ok {
		// Hand the reply over before removing the entry: Remove runs
		// OnEvicted, which closes the channel, and a receive still yields
		// the buffered reply ahead of the close.
		if ch, isCh := v.(chan *payload.Map); isCh {
			ch <- m
		}
		c.pending.Remove(tk)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("callback for unknown Tk %v dropped", tk)
	}
}
