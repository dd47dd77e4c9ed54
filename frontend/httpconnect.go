package frontend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
)

// HTTPConnectListener accepts local HTTP-CONNECT clients: a standard
// "CONNECT host:port HTTP/1.1" request, answered with a 200 once the
// channel is up and then piped raw.
type HTTPConnectListener struct {
	Dialer *Dialer

	ln net.Listener
}

func NewHTTPConnectListener(ln net.Listener, d *Dialer) *HTTPConnectListener {
	return &HTTPConnectListener{Dialer: d, ln: ln}
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (h *HTTPConnectListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.ln.Close()
	}()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go h.handle(ctx, conn)
	}
}

func (h *HTTPConnectListener) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("httpconnect: connection handler panicked: %v", r)
			conn.Close()
		}
	}()
	if err := h.serveOne(ctx, conn); err != nil {
		log.Debugf("httpconnect: %v", err)
		conn.Close()
	}
}

func (h *HTTPConnectListener) serveOne(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	tp := textproto.NewReader(reader)

	requestLine, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("reading request line: %w", err)
	}
	method, target, ok := parseRequestLine(requestLine)
	if !ok || !strings.EqualFold(method, "CONNECT") {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return fmt.Errorf("expected CONNECT, got %q", requestLine)
	}
	// Drain headers up to the blank line; none are meaningful to the
	// tunnel itself.
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return fmt.Errorf("reading headers: %w", err)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return fmt.Errorf("parsing CONNECT target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return fmt.Errorf("invalid CONNECT port %q", portStr)
	}

	ch, err := h.Dialer.EstablishAndConnect(ctx, host, int32(port), VersionHTTPConnect)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return fmt.Errorf("establishing channel to %s:%d: %w", host, port, err)
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		ch.Close()
		return fmt.Errorf("writing 200: %w", err)
	}

	// Any bytes already buffered past the blank line belong to the
	// tunneled stream, not the HTTP parser.
	if n := reader.Buffered(); n > 0 {
		buffered := make([]byte, n)
		reader.Read(buffered)
		ch.Write(buffered)
	}
	pipe(conn, ch)
	return nil
}

func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
