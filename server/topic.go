package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedTopic   = errors.New("malformed topic")
	ErrMalformedPayload = errors.New("malformed payload")
)

// TopicScheme describes prefix/<anchor>/middle/<entity>/suffix topics.
type TopicScheme struct {
	Prefix string
	Middle string
	Suffix string
	// Sep is "/" for MQTT and "." for NATS subjects.
	Sep string
}

func MQTTScheme(prefix, middle, suffix string) TopicScheme {
	return TopicScheme{Prefix: prefix, Middle: middle, Suffix: suffix, Sep: "/"}
}

func NATSScheme(prefix, middle, suffix string) TopicScheme {
	return TopicScheme{Prefix: prefix, Middle: middle, Suffix: suffix, Sep: "."}
}

// DefaultScheme is esp/<mac>/ble/<device>/rssi.
var DefaultScheme = MQTTScheme("esp", "ble", "rssi")

// WithSep returns the same scheme with a different separator.
func (s TopicScheme) WithSep(sep string) TopicScheme {
	s.Sep = sep
	return s
}

// Subscription returns the wildcard filter matching every anchor and entity.
func (s TopicScheme) Subscription() string {
	wild := "+"
	if s.Sep == "." {
		wild = "*"
	}
	return strings.Join([]string{s.Prefix, wild, s.Middle, wild, s.Suffix}, s.Sep)
}

func (s TopicScheme) Format(anchorID, entityID string) string {
	return strings.Join([]string{s.Prefix, anchorID, s.Middle, entityID, s.Suffix}, s.Sep)
}

// Parse extracts the anchor and entity ids. The anchor id is returned as sent.
func (s TopicScheme) Parse(topic string) (anchorID, entityID string, err error) {
	parts := strings.Split(topic, s.Sep)
	if len(parts) != 5 || parts[0] != s.Prefix || parts[2] != s.Middle || parts[4] != s.Suffix {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("%w: empty id in %q", ErrMalformedTopic, topic)
	}
	return parts[1], parts[3], nil
}

// ParseStrength decodes a signed integer RSSI payload.
func ParseStrength(payload []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}
	return v, nil
}
