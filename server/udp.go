package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

const maxPacketSize = 65535

// UDPListener accepts readings from anchors that cannot speak MQTT. Each datagram
// carries one or more lines of "<topic> <payload>".
type UDPListener struct {
	conn *net.UDPConn
	out  Deliverer
	log  *slog.Logger
}

func ListenUDP(addr string, out Deliverer, logger *slog.Logger) (*UDPListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen %s: %w", addr, err)
	}
	_ = conn.SetReadBuffer(256 * 1024)
	return &UDPListener{conn: conn, out: out, log: logger.With("component", "udp")}, nil
}

func (l *UDPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Serve reads datagrams until ctx is cancelled.
func (l *UDPListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()
	l.log.Info("listening", "addr", l.conn.LocalAddr().String())

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			l.log.Warn("read failed", "error", err)
			continue
		}
		l.handle(buf[:n], from)
	}
}

func (l *UDPListener) handle(data []byte, from *net.UDPAddr) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		i := bytes.IndexAny(line, " \t")
		if i < 0 {
			l.log.Warn("dropping datagram line", "from", from.String(), "line", string(line))
			continue
		}
		// The receive buffer is reused; the payload must be copied.
		payload := append([]byte(nil), bytes.TrimSpace(line[i+1:])...)
		l.out.Deliver(string(line[:i]), payload)
	}
}

func (l *UDPListener) Close() error { return l.conn.Close() }
