package rbc

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"locate-go/server"
)

const tcpQueueLen = 1000

// Sender writes display lines to UDP targets and persistent TCP connections.
// It implements server.Sink; sends never block the caller.
type Sender struct {
	udpTargets []*net.UDPAddr
	tcpClients []*tcpClient
	connUDP    *net.UDPConn
	header     []byte
	log        *slog.Logger

	mu      sync.Mutex
	running bool
	seq     uint16
}

type tcpClient struct {
	addr  string
	queue chan []byte
	log   *slog.Logger
	wg    sync.WaitGroup
}

func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{log: logger.With("component", "rbc")}
}

// SetHeader prefixes every line with hdr and a colon.
func (s *Sender) SetHeader(hdr string) {
	if hdr == "" {
		s.header = nil
	} else {
		s.header = []byte(hdr + ":")
	}
}

func (s *Sender) AddUDPTarget(addr string) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.udpTargets = append(s.udpTargets, uaddr)
	return nil
}

func (s *Sender) AddTCPTarget(addr string) {
	s.tcpClients = append(s.tcpClients, &tcpClient{
		addr:  addr,
		queue: make(chan []byte, tcpQueueLen),
		log:   s.log.With("target", addr),
	})
}

func (s *Sender) Targets() int { return len(s.udpTargets) + len(s.tcpClients) }

func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connUDP = conn
	s.running = true
	for _, c := range s.tcpClients {
		c.start()
	}
	return nil
}

func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.connUDP.Close()
	for _, c := range s.tcpClients {
		c.stop()
	}
}

// Publish implements server.Sink.
func (s *Sender) Publish(u server.Update) {
	if u.Entity != nil {
		pt, ok := u.Entity.Position.Point()
		if !ok {
			return
		}
		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()
		s.Send(FormatPosition(u.Entity.ID, u.Entity.LastSeen, seq, u.Entity.Floor, pt.X, pt.Y))
		return
	}
	for _, id := range u.Expired {
		s.Send(FormatExpired(id, u.Time))
	}
}

func (s *Sender) Send(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	msg := data
	if len(s.header) > 0 {
		msg = make([]byte, len(s.header)+len(data))
		copy(msg, s.header)
		copy(msg[len(s.header):], data)
	}

	for _, t := range s.udpTargets {
		if _, err := s.connUDP.WriteToUDP(msg, t); err != nil {
			s.log.Debug("udp send failed", "target", t.String(), "error", err)
		}
	}
	for _, c := range s.tcpClients {
		select {
		case c.queue <- msg:
		default:
			// Drop if full
		}
	}
}

func (c *tcpClient) start() {
	c.wg.Add(1)
	go c.loop()
}

func (c *tcpClient) stop() {
	close(c.queue)
	c.wg.Wait()
}

func (c *tcpClient) loop() {
	defer c.wg.Done()
	var conn net.Conn

	connect := func() bool {
		if conn != nil {
			return true
		}
		var err error
		conn, err = net.DialTimeout("tcp", c.addr, 2*time.Second)
		if err != nil {
			conn = nil
			return false
		}
		c.log.Info("connected")
		return true
	}

	for msg := range c.queue {
		if !connect() {
			time.Sleep(500 * time.Millisecond)
			if !connect() {
				continue // drop this message
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(msg); err != nil {
			c.log.Warn("tcp write failed", "error", err)
			conn.Close()
			conn = nil
			time.Sleep(100 * time.Millisecond)
		}
	}
	if conn != nil {
		conn.Close()
	}
}
