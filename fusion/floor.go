package fusion

import "fmt"

// DefaultFloorNames are used when no floors are configured.
var DefaultFloorNames = []string{"ISIS 10A", "ISIS R+1"}

type Floor struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Floors is the ordered list of named floor plans. Anchors refer to floors by index.
type Floors struct {
	names []string
}

func NewFloors(names []string) *Floors {
	if len(names) == 0 {
		names = DefaultFloorNames
	}
	return &Floors{names: append([]string(nil), names...)}
}

func (f *Floors) Len() int { return len(f.names) }

func (f *Floors) Valid(index int) bool {
	return index >= 0 && index < len(f.names)
}

func (f *Floors) Name(index int) string {
	if !f.Valid(index) {
		return fmt.Sprintf("floor %d", index)
	}
	return f.names[index]
}

func (f *Floors) List() []Floor {
	out := make([]Floor, len(f.names))
	for i, n := range f.names {
		out[i] = Floor{Index: i, Name: n}
	}
	return out
}

func (f *Floors) Names() []string {
	return append([]string(nil), f.names...)
}
