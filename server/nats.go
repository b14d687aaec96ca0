package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"locate-go/fusion"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge subscribes to RSSI subjects and republishes solved positions.
type NATSBridge struct {
	conn   *nats.Conn
	pub    natsPublisher
	sub    *nats.Subscription
	prefix string
	log    *slog.Logger
}

// PositionMessage is the JSON body published for every entity update.
type PositionMessage struct {
	Entity   string          `json:"entity"`
	Floor    int             `json:"floor"`
	Position fusion.Position `json:"position"`
	Anchors  int             `json:"anchors"`
	TS       int64           `json:"ts"`
}

type ExpiredMessage struct {
	Entities []string `json:"entities"`
	TS       int64    `json:"ts"`
}

func DialNATS(url string, logger *slog.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name("locate-engine"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	log.Info("connected", "url", url)
	return &NATSBridge{conn: conn, pub: conn, log: log}, nil
}

// PublishPositions enables position republishing under prefix.
func (b *NATSBridge) PublishPositions(prefix string) {
	b.prefix = prefix
}

// Subscribe delivers every message matching scheme's wildcard subject to out. Subjects
// are rewritten into scheme's own separator before delivery.
func (b *NATSBridge) Subscribe(scheme TopicScheme, out Deliverer) error {
	subs := scheme.WithSep(".")
	subject := subs.Subscription()
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		b.forward(subs, scheme, out, m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	b.sub = sub
	b.log.Info("subscribed", "subject", subject)
	return nil
}

func (b *NATSBridge) forward(from, to TopicScheme, out Deliverer, subject string, data []byte) {
	anchor, entity, err := from.Parse(subject)
	if err != nil {
		b.log.Warn("dropping message", "error", err)
		return
	}
	out.Deliver(to.Format(anchor, entity), data)
}

// PositionSubject builds <prefix>.position.<floor>.<entity>. Characters that are not
// legal in a subject token are replaced with '_'.
func PositionSubject(prefix string, floor int, entity string) string {
	return strings.Join([]string{prefix, "position", strconv.Itoa(floor), subjectToken(entity)}, ".")
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish implements Sink. Publishing is buffered by the client and does not block.
func (b *NATSBridge) Publish(u Update) {
	if b.prefix == "" || b.pub == nil {
		return
	}
	if u.Entity != nil {
		msg := PositionMessage{
			Entity:   u.Entity.ID,
			Floor:    u.Entity.Floor,
			Position: u.Entity.Position,
			Anchors:  len(u.Entity.Samples),
			TS:       u.Time.UnixMilli(),
		}
		b.send(PositionSubject(b.prefix, msg.Floor, msg.Entity), msg)
	}
	if len(u.Expired) > 0 {
		b.send(b.prefix+".expired", ExpiredMessage{Entities: u.Expired, TS: u.Time.UnixMilli()})
	}
}

func (b *NATSBridge) send(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("encode failed", "subject", subject, "error", err)
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.log.Warn("publish failed", "subject", subject, "error", err)
	}
}

func (b *NATSBridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
