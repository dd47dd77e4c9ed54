package frontend

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// SOCKS5 constants for a CONNECT-only subset of RFC 1928: no BIND, no
// UDP ASSOCIATE, no authentication methods beyond "no auth required".
const (
	socks5Version    byte = 0x05
	socks5NoAuth     byte = 0x00
	socks5CmdConnect byte = 0x01
	socks5AtypV4     byte = 0x01
	socks5AtypDomain byte = 0x03
	socks5AtypV6     byte = 0x04

	socks5Succeeded       byte = 0x00
	socks5GeneralFail     byte = 0x01
	socks5CmdNotSupported byte = 0x07
)

// SOCKS5Listener accepts local SOCKS5 clients, resolves their CONNECT
// request, and bridges the accepted connection to a virtual channel via
// Dialer.
type SOCKS5Listener struct {
	Dialer *Dialer

	ln net.Listener
}

// NewSOCKS5Listener wraps an already-bound net.Listener; binding the
// local address is the caller's concern.
func NewSOCKS5Listener(ln net.Listener, d *Dialer) *SOCKS5Listener {
	return &SOCKS5Listener{Dialer: d, ln: ln}
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (s *SOCKS5Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *SOCKS5Listener) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("socks5: connection handler panicked: %v", r)
			conn.Close()
		}
	}()
	if err := s.serveOne(ctx, conn); err != nil {
		log.Debugf("socks5: %v", err)
		conn.Close()
	}
}

func (s *SOCKS5Listener) serveOne(ctx context.Context, conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("reading method-selection header: %w", err)
	}
	if hdr[0] != socks5Version {
		return fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("reading auth methods: %w", err)
	}
	if _, err := conn.Write([]byte{socks5Version, socks5NoAuth}); err != nil {
		return fmt.Errorf("writing method selection: %w", err)
	}

	reqHdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, reqHdr); err != nil {
		return fmt.Errorf("reading request header: %w", err)
	}
	if reqHdr[0] != socks5Version {
		return fmt.Errorf("unsupported SOCKS version %d in request", reqHdr[0])
	}
	if reqHdr[1] != socks5CmdConnect {
		s.reply(conn, socks5CmdNotSupported)
		return fmt.Errorf("unsupported SOCKS command %d", reqHdr[1])
	}

	host, err := s.readAddress(conn, reqHdr[3])
	if err != nil {
		s.reply(conn, socks5GeneralFail)
		return err
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	port := int32(binary.BigEndian.Uint16(portBuf))

	ch, err := s.Dialer.EstablishAndConnect(ctx, host, port, VersionSOCKS5)
	if err != nil {
		s.reply(conn, socks5GeneralFail)
		return fmt.Errorf("establishing channel to %s:%d: %w", host, port, err)
	}

	if err := s.reply(conn, socks5Succeeded); err != nil {
		ch.Close()
		return err
	}
	pipe(conn, ch)
	return nil
}

func (s *SOCKS5Listener) readAddress(conn net.Conn, atyp byte) (string, error) {
	switch atyp {
	case socks5AtypV4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case socks5AtypV6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case socks5AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", err
		}
		b := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported address type %d", atyp)
	}
}

// reply writes a minimal SOCKS5 reply with an all-zero bind address:
// since this listener never actually binds a local relay port,
// BND.ADDR/BND.PORT are zeroed.
func (s *SOCKS5Listener) reply(conn net.Conn, code byte) error {
	resp := []byte{socks5Version, code, 0x00, socks5AtypV4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(resp)
	return err
}
