package fusion

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// TrackedEntity is an entity's ranging state and last solved position.
type TrackedEntity struct {
	ID       string
	Samples  *SampleStore
	LastSeen time.Time
	Position Position
	Floor    int
}

// EntityState is a detached copy of a TrackedEntity.
type EntityState struct {
	ID       string    `json:"id"`
	Position Position  `json:"position"`
	Floor    int       `json:"floor"`
	LastSeen time.Time `json:"lastSeen"`
	Samples  []Sample  `json:"samples"`
}

func (t *TrackedEntity) State() EntityState {
	return EntityState{
		ID:       t.ID,
		Position: t.Position,
		Floor:    t.Floor,
		LastSeen: t.LastSeen,
		Samples:  t.Samples.Samples(),
	}
}

type Options struct {
	Staleness  time.Duration
	Inactivity time.Duration
	Solver     SolverFunc
	Params     PathLoss
	Floors     *Floors
	// Now is used by operations that re-solve outside of an ingest.
	Now    func() time.Time
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Staleness:  StalenessWindow,
		Inactivity: InactivityTimeout,
		Solver:     Solve,
		Params:     DefaultPathLossModel(),
		Floors:     NewFloors(nil),
		Now:        time.Now,
		Logger:     slog.Default(),
	}
}

// Engine owns the anchor registry and the tracked entities. It is not safe for
// concurrent use; a single goroutine must drive it.
type Engine struct {
	opts     Options
	params   PathLoss
	anchors  *AnchorRegistry
	entities map[string]*TrackedEntity
	broker   *BrokerRecord
	log      *slog.Logger
}

func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.Staleness <= 0 {
		opts.Staleness = def.Staleness
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = def.Inactivity
	}
	if opts.Solver == nil {
		opts.Solver = def.Solver
	}
	if opts.Params.Validate() != nil {
		opts.Params = def.Params
	}
	if opts.Floors == nil {
		opts.Floors = def.Floors
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Engine{
		opts:     opts,
		params:   opts.Params,
		anchors:  NewAnchorRegistry(),
		entities: map[string]*TrackedEntity{},
		log:      opts.Logger,
	}
}

func (e *Engine) Params() PathLoss { return e.params }
func (e *Engine) Floors() *Floors  { return e.opts.Floors }

// SetDistanceParams changes the path-loss model. Stored distances are not recomputed;
// they converge as fresh samples arrive.
func (e *Engine) SetDistanceParams(p PathLoss) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.params = p
	return nil
}

func (e *Engine) SetBroker(b *BrokerRecord) { e.broker = b }
func (e *Engine) Broker() *BrokerRecord     { return e.broker }

// Ingest records one reading and re-solves the entity on the reporting anchor's floor.
// Readings from unknown or unplaced anchors are logged and dropped.
func (e *Engine) Ingest(anchorID, entityID string, rssi float64, ts time.Time) (EntityState, error) {
	a, ok := e.anchors.Find(anchorID)
	if !ok {
		e.log.Warn("dropping sample from unknown anchor", "anchor", anchorID, "entity", entityID)
		return EntityState{}, fmt.Errorf("ingest from %s: %w", CanonicalID(anchorID), ErrUnknownAnchor)
	}
	if !a.Position.Placed() {
		e.log.Warn("dropping sample from unplaced anchor", "anchor", a.ID, "entity", entityID)
		return EntityState{}, fmt.Errorf("ingest from %s: %w", a.ID, ErrUnpositionedAnchor)
	}

	ent, ok := e.entities[entityID]
	if !ok {
		ent = &TrackedEntity{ID: entityID, Samples: NewSampleStore()}
		e.entities[entityID] = ent
		e.log.Debug("tracking new entity", "entity", entityID, "anchor", a.ID)
	}
	ent.Samples.Record(a.ID, rssi, e.params.Distance(rssi), ts)
	ent.LastSeen = ts
	e.resolve(ent, ts, a.Floor)
	return ent.State(), nil
}

func (e *Engine) resolve(ent *TrackedEntity, now time.Time, floor int) {
	ent.Floor = floor
	pts := ent.Samples.ValidSamples(now, e.anchors, floor, e.opts.Staleness)
	if pt, ok := e.opts.Solver(pts); ok {
		ent.Position = At(pt.X, pt.Y)
		return
	}
	ent.Position = Position{}
}

// SweepExpired removes entities idle for longer than the inactivity timeout and
// returns their ids in sorted order.
func (e *Engine) SweepExpired(now time.Time) []string {
	removed := []string{}
	for id, ent := range e.entities {
		if now.Sub(ent.LastSeen) > e.opts.Inactivity {
			delete(e.entities, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		e.log.Debug("expired entities", "count", len(removed), "ids", removed)
	}
	return removed
}

// EntitiesOn returns the entities last solved on floor, sorted by id.
func (e *Engine) EntitiesOn(floor int) []EntityState {
	out := []EntityState{}
	for _, ent := range e.entities {
		if ent.Floor == floor {
			out = append(out, ent.State())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entities returns every entity whose id contains filter (case-insensitive),
// most recently seen first.
func (e *Engine) Entities(filter string) []EntityState {
	needle := strings.ToLower(filter)
	out := []EntityState{}
	for _, ent := range e.entities {
		if strings.Contains(strings.ToLower(ent.ID), needle) {
			out = append(out, ent.State())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) Entity(id string) (EntityState, bool) {
	ent, ok := e.entities[id]
	if !ok {
		return EntityState{}, false
	}
	return ent.State(), true
}

func (e *Engine) Anchors() []Anchor               { return e.anchors.List() }
func (e *Engine) AnchorsOn(floor int) []Anchor    { return e.anchors.ListByFloor(floor) }
func (e *Engine) Anchor(id string) (Anchor, bool) { return e.anchors.Find(id) }

func (e *Engine) checkFloor(floor int) error {
	if !e.opts.Floors.Valid(floor) {
		return fmt.Errorf("%w: %d", ErrInvalidFloor, floor)
	}
	return nil
}

func (e *Engine) AddAnchor(id string, floor int) (Anchor, error) {
	if err := e.checkFloor(floor); err != nil {
		return Anchor{}, err
	}
	a, err := e.anchors.Add(id, floor)
	if err != nil {
		return Anchor{}, err
	}
	e.log.Info("anchor added", "anchor", a.ID, "floor", floor)
	return a, nil
}

// SetAnchorPosition moves an anchor and re-solves every entity holding a sample from it.
func (e *Engine) SetAnchorPosition(id string, x, y float64, floor int) (Anchor, error) {
	if err := e.checkFloor(floor); err != nil {
		return Anchor{}, err
	}
	a, err := e.anchors.SetPosition(id, x, y, floor)
	if err != nil {
		return Anchor{}, err
	}
	e.resolveHolding(a.ID)
	return a, nil
}

// PlaceNextAnchor positions the first unplaced anchor.
func (e *Engine) PlaceNextAnchor(x, y float64, floor int) (Anchor, error) {
	if err := e.checkFloor(floor); err != nil {
		return Anchor{}, err
	}
	a, err := e.anchors.PlaceNext(x, y, floor)
	if err != nil {
		return Anchor{}, err
	}
	e.resolveHolding(a.ID)
	return a, nil
}

// RemoveAnchor deletes the anchor and every sample derived from it.
func (e *Engine) RemoveAnchor(id string) error {
	if err := e.anchors.Remove(id); err != nil {
		return err
	}
	key := CanonicalID(id)
	now := e.opts.Now()
	for _, ent := range e.entities {
		if ent.Samples.Forget(key) {
			e.resolve(ent, now, ent.Floor)
		}
	}
	e.log.Info("anchor removed", "anchor", key)
	return nil
}

// ClearAnchors removes every anchor. Entities keep their last-seen time but lose
// all samples and positions.
func (e *Engine) ClearAnchors() {
	e.anchors.Clear()
	for _, ent := range e.entities {
		ent.Samples = NewSampleStore()
		ent.Position = Position{}
	}
}

func (e *Engine) resolveHolding(anchorID string) {
	now := e.opts.Now()
	for _, ent := range e.entities {
		if _, ok := ent.Samples.Get(anchorID); ok {
			e.resolve(ent, now, ent.Floor)
		}
	}
}

// Snapshot returns the persistable configuration.
func (e *Engine) Snapshot() Record {
	rec := Record{
		Anchors: e.anchors.List(),
		Params:  NewParamsRecord(e.params),
		Floors:  e.opts.Floors.Names(),
	}
	if e.broker != nil {
		b := *e.broker
		rec.Broker = &b
	}
	return rec
}

// Apply replaces the anchors, parameters and broker with those in rec. Invalid or
// duplicate anchors are skipped and reported in the returned error while the rest load.
// Floors are fixed at construction and are not taken from rec.
func (e *Engine) Apply(rec Record) error {
	params := rec.Params.Resolve()
	if err := params.Validate(); err != nil {
		return err
	}

	reg := NewAnchorRegistry()
	var errs []error
	for _, a := range rec.Anchors {
		if err := e.checkFloor(a.Floor); err != nil {
			errs = append(errs, fmt.Errorf("anchor %s: %w", a.ID, err))
			continue
		}
		added, err := reg.Add(a.ID, a.Floor)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if pt, ok := a.Position.Point(); ok {
			if _, err := reg.SetPosition(added.ID, pt.X, pt.Y, a.Floor); err != nil {
				errs = append(errs, err)
			}
		}
	}

	e.anchors = reg
	e.params = params
	if rec.Broker != nil {
		b := *rec.Broker
		e.broker = &b
	}

	now := e.opts.Now()
	for _, ent := range e.entities {
		for _, smp := range ent.Samples.Samples() {
			if _, ok := reg.Find(smp.AnchorID); !ok {
				ent.Samples.Forget(smp.AnchorID)
			}
		}
		e.resolve(ent, now, ent.Floor)
	}

	err := errors.Join(errs...)
	if err != nil {
		e.log.Warn("record loaded with rejected anchors", "loaded", reg.Len(), "error", err)
	}
	return err
}
