package fusion

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Record is the persisted configuration document. Its JSON layout is the
// ble_localization_config export format.
type Record struct {
	Anchors []Anchor      `json:"motes"`
	Params  *ParamsRecord `json:"rssiParams,omitempty"`
	Broker  *BrokerRecord `json:"mqtt,omitempty"`
	Floors  []string      `json:"floors,omitempty"`
}

// ParamsRecord carries optional path-loss tunables. Missing fields fall back to defaults.
type ParamsRecord struct {
	RSSIAt1m *float64 `json:"rssiAt1m,omitempty"`
	PathLoss *float64 `json:"pathLoss,omitempty"`
}

func NewParamsRecord(p PathLoss) *ParamsRecord {
	ref, n := p.RSSIAt1m, p.Exponent
	return &ParamsRecord{RSSIAt1m: &ref, PathLoss: &n}
}

// Resolve fills missing fields with the defaults.
func (p *ParamsRecord) Resolve() PathLoss {
	out := DefaultPathLossModel()
	if p == nil {
		return out
	}
	if p.RSSIAt1m != nil {
		out.RSSIAt1m = *p.RSSIAt1m
	}
	if p.PathLoss != nil {
		out.Exponent = *p.PathLoss
	}
	return out
}

// BrokerRecord is the last broker the operator connected to. The engine stores it opaquely.
type BrokerRecord struct {
	Broker   string `json:"broker"`
	Port     Port   `json:"port"`
	Protocol string `json:"protocol"`
}

// URL renders the broker as protocol://host:port.
func (b BrokerRecord) URL() string {
	proto := b.Protocol
	if proto == "" {
		proto = "wss"
	}
	if b.Port == 0 {
		return fmt.Sprintf("%s://%s", proto, b.Broker)
	}
	return fmt.Sprintf("%s://%s:%d", proto, b.Broker, b.Port)
}

// Port accepts both a JSON number and a numeric string, since form inputs were stored as text.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %q: %w", s, err)
	}
	*p = Port(n)
	return nil
}

func DecodeRecord(r io.Reader) (Record, error) {
	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (r Record) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
