package fusion

import "time"

// Sample is the latest ranging observation of one entity by one anchor.
type Sample struct {
	AnchorID   string    `json:"mac"`
	RSSI       float64   `json:"rssi"`
	Distance   float64   `json:"distance"`
	CapturedAt time.Time `json:"capturedAt"`
}

// RangePoint is a placed anchor coordinate paired with an estimated distance.
type RangePoint struct {
	X        float64
	Y        float64
	Distance float64
}

// SampleStore keeps one sample per anchor, ordered by first discovery.
type SampleStore struct {
	samples map[string]Sample
	order   []string
}

func NewSampleStore() *SampleStore {
	return &SampleStore{samples: map[string]Sample{}}
}

// Record overwrites any previous sample from anchorID. A superseded anchor keeps its slot.
func (s *SampleStore) Record(anchorID string, rssi, distance float64, ts time.Time) {
	key := CanonicalID(anchorID)
	if _, ok := s.samples[key]; !ok {
		s.order = append(s.order, key)
	}
	s.samples[key] = Sample{AnchorID: key, RSSI: rssi, Distance: distance, CapturedAt: ts}
}

// Forget drops the sample from anchorID and reports whether one existed.
func (s *SampleStore) Forget(anchorID string) bool {
	key := CanonicalID(anchorID)
	if _, ok := s.samples[key]; !ok {
		return false
	}
	delete(s.samples, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *SampleStore) Get(anchorID string) (Sample, bool) {
	smp, ok := s.samples[CanonicalID(anchorID)]
	return smp, ok
}

func (s *SampleStore) Len() int { return len(s.order) }

// Samples returns a copy of every stored sample in discovery order.
func (s *SampleStore) Samples() []Sample {
	out := make([]Sample, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.samples[key])
	}
	return out
}

// ValidSamples returns the samples usable for a solve at now: younger than staleness,
// from an anchor that is still registered, placed, and on floor.
func (s *SampleStore) ValidSamples(now time.Time, reg *AnchorRegistry, floor int, staleness time.Duration) []RangePoint {
	out := []RangePoint{}
	for _, key := range s.order {
		smp := s.samples[key]
		if now.Sub(smp.CapturedAt) >= staleness {
			continue
		}
		a, ok := reg.Find(key)
		if !ok || a.Floor != floor {
			continue
		}
		pt, placed := a.Position.Point()
		if !placed {
			continue
		}
		out = append(out, RangePoint{X: pt.X, Y: pt.Y, Distance: smp.Distance})
	}
	return out
}
