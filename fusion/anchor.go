package fusion

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var macPattern = regexp.MustCompile(`^([0-9A-F]{2}[:-]){5}([0-9A-F]{2})$`)

// CanonicalID normalizes a hardware address so that ids compare case-insensitively.
func CanonicalID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidAnchorID reports whether id is a MAC address after canonicalization.
func ValidAnchorID(id string) bool {
	return macPattern.MatchString(CanonicalID(id))
}

// Point is a plan coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Position is an optional plan coordinate. The zero value is unset.
type Position struct {
	pt  Point
	set bool
}

func At(x, y float64) Position {
	return Position{pt: Point{X: x, Y: y}, set: true}
}

func (p Position) Placed() bool { return p.set }

// Point returns the coordinate and whether the position is set.
func (p Position) Point() (Point, bool) {
	return p.pt, p.set
}

func (p Position) String() string {
	if !p.set {
		return "unset"
	}
	return fmt.Sprintf("(%.2f, %.2f)", p.pt.X, p.pt.Y)
}

func (p Position) MarshalJSON() ([]byte, error) {
	if !p.set {
		return []byte("null"), nil
	}
	return json.Marshal(p.pt)
}

func (p *Position) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*p = Position{}
		return nil
	}
	var pt Point
	if err := json.Unmarshal(b, &pt); err != nil {
		return err
	}
	*p = At(pt.X, pt.Y)
	return nil
}

type Anchor struct {
	ID       string   `json:"mac"`
	Position Position `json:"position"`
	Floor    int      `json:"floor"`
}

// AnchorRegistry holds anchors in insertion order keyed by canonical id.
type AnchorRegistry struct {
	anchors map[string]*Anchor
	order   []string
}

func NewAnchorRegistry() *AnchorRegistry {
	return &AnchorRegistry{anchors: map[string]*Anchor{}}
}

// Add registers an unplaced anchor on floor.
func (r *AnchorRegistry) Add(id string, floor int) (Anchor, error) {
	key := CanonicalID(id)
	if !macPattern.MatchString(key) {
		return Anchor{}, fmt.Errorf("add %q: %w", id, ErrInvalidAnchorID)
	}
	if _, ok := r.anchors[key]; ok {
		return Anchor{}, fmt.Errorf("add %s: %w", key, ErrDuplicateAnchor)
	}
	a := &Anchor{ID: key, Floor: floor}
	r.anchors[key] = a
	r.order = append(r.order, key)
	return *a, nil
}

func (r *AnchorRegistry) SetPosition(id string, x, y float64, floor int) (Anchor, error) {
	key := CanonicalID(id)
	a, ok := r.anchors[key]
	if !ok {
		return Anchor{}, fmt.Errorf("set position %s: %w", key, ErrUnknownAnchor)
	}
	if !finite(x) || !finite(y) {
		return Anchor{}, fmt.Errorf("set position %s (%v, %v): %w", key, x, y, ErrInvalidPosition)
	}
	a.Position = At(x, y)
	a.Floor = floor
	return *a, nil
}

// PlaceNext positions the first unplaced anchor in insertion order.
func (r *AnchorRegistry) PlaceNext(x, y float64, floor int) (Anchor, error) {
	if !finite(x) || !finite(y) {
		return Anchor{}, fmt.Errorf("place (%v, %v): %w", x, y, ErrInvalidPosition)
	}
	for _, key := range r.order {
		a := r.anchors[key]
		if a.Position.Placed() {
			continue
		}
		a.Position = At(x, y)
		a.Floor = floor
		return *a, nil
	}
	return Anchor{}, ErrNoUnplacedAnchor
}

func (r *AnchorRegistry) Remove(id string) error {
	key := CanonicalID(id)
	if _, ok := r.anchors[key]; !ok {
		return fmt.Errorf("remove %s: %w", key, ErrUnknownAnchor)
	}
	delete(r.anchors, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *AnchorRegistry) Clear() {
	r.anchors = map[string]*Anchor{}
	r.order = nil
}

func (r *AnchorRegistry) Find(id string) (Anchor, bool) {
	a, ok := r.anchors[CanonicalID(id)]
	if !ok {
		return Anchor{}, false
	}
	return *a, true
}

func (r *AnchorRegistry) Len() int { return len(r.order) }

// List returns every anchor in insertion order.
func (r *AnchorRegistry) List() []Anchor {
	out := make([]Anchor, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.anchors[key])
	}
	return out
}

// ListByFloor returns the placed anchors on floor in insertion order.
func (r *AnchorRegistry) ListByFloor(floor int) []Anchor {
	out := []Anchor{}
	for _, key := range r.order {
		a := r.anchors[key]
		if a.Floor == floor && a.Position.Placed() {
			out = append(out, *a)
		}
	}
	return out
}
