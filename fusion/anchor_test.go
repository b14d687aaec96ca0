package fusion

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	macA = "AA:BB:CC:DD:EE:01"
	macB = "AA:BB:CC:DD:EE:02"
	macC = "AA:BB:CC:DD:EE:03"
	macD = "AA:BB:CC:DD:EE:04"
)

func TestCanonicalID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", CanonicalID("  aa:bb:cc:dd:ee:ff\n"))
	assert.True(t, ValidAnchorID("aa-bb-cc-dd-ee-ff"))
	assert.False(t, ValidAnchorID("aa:bb:cc:dd:ee"))
	assert.False(t, ValidAnchorID("esp-livingroom"))
}

func TestAnchorRegistry_Add(t *testing.T) {
	t.Parallel()
	r := NewAnchorRegistry()

	a, err := r.Add("aa:bb:cc:dd:ee:01", 1)
	require.NoError(t, err)
	assert.Equal(t, macA, a.ID)
	assert.Equal(t, 1, a.Floor)
	assert.False(t, a.Position.Placed())

	_, err = r.Add(macA, 0)
	assert.ErrorIs(t, err, ErrDuplicateAnchor)

	_, err = r.Add("not-a-mac", 0)
	assert.ErrorIs(t, err, ErrInvalidAnchorID)
	assert.Equal(t, 1, r.Len())
}

func TestAnchorRegistry_SetPositionAndFind(t *testing.T) {
	t.Parallel()
	r := NewAnchorRegistry()
	_, err := r.SetPosition(macA, 1, 2, 0)
	assert.ErrorIs(t, err, ErrUnknownAnchor)

	_, err = r.Add(macA, 0)
	require.NoError(t, err)
	a, err := r.SetPosition("aa:bb:cc:dd:ee:01", 1.5, 2.5, 1)
	require.NoError(t, err)
	pt, ok := a.Position.Point()
	require.True(t, ok)
	assert.Equal(t, Point{X: 1.5, Y: 2.5}, pt)
	assert.Equal(t, 1, a.Floor)

	found, ok := r.Find("AA:bb:CC:dd:EE:01")
	require.True(t, ok)
	assert.Equal(t, a, found)

	_, ok = r.Find(macB)
	assert.False(t, ok)
}

func TestAnchorRegistry_Remove(t *testing.T) {
	t.Parallel()
	r := NewAnchorRegistry()
	for _, id := range []string{macA, macB, macC} {
		_, err := r.Add(id, 0)
		require.NoError(t, err)
	}

	require.NoError(t, r.Remove("aa:bb:cc:dd:ee:02"))
	assert.ErrorIs(t, r.Remove(macB), ErrUnknownAnchor)

	ids := []string{}
	for _, a := range r.List() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{macA, macC}, ids)
}

func TestAnchorRegistry_ListByFloor(t *testing.T) {
	t.Parallel()
	r := NewAnchorRegistry()
	for _, id := range []string{macA, macB, macC, macD} {
		_, err := r.Add(id, 0)
		require.NoError(t, err)
	}
	_, _ = r.SetPosition(macA, 0, 0, 0)
	_, _ = r.SetPosition(macB, 1, 1, 1)
	_, _ = r.SetPosition(macD, 2, 2, 0)

	got := r.ListByFloor(0)
	require.Len(t, got, 2)
	assert.Equal(t, macA, got[0].ID)
	assert.Equal(t, macD, got[1].ID)

	assert.Len(t, r.ListByFloor(1), 1)
	assert.Empty(t, r.ListByFloor(5))
}

func TestAnchorRegistry_PlaceNext(t *testing.T) {
	t.Parallel()
	r := NewAnchorRegistry()
	_, err := r.PlaceNext(1, 1, 0)
	assert.ErrorIs(t, err, ErrNoUnplacedAnchor)

	_, _ = r.Add(macA, 0)
	_, _ = r.Add(macB, 0)
	_, _ = r.SetPosition(macA, 0, 0, 0)

	a, err := r.PlaceNext(7, 8, 1)
	require.NoError(t, err)
	assert.Equal(t, macB, a.ID)
	assert.Equal(t, 1, a.Floor)

	_, err = r.PlaceNext(1, 1, 0)
	assert.ErrorIs(t, err, ErrNoUnplacedAnchor)
}

func TestAnchorRegistry_RejectsNonFinite(t *testing.T) {
	t.Parallel()
	r := NewAnchorRegistry()
	_, err := r.Add(macA, 0)
	require.NoError(t, err)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = r.SetPosition(macA, v, 1, 0)
		assert.ErrorIs(t, err, ErrInvalidPosition)
		_, err = r.PlaceNext(1, v, 0)
		assert.ErrorIs(t, err, ErrInvalidPosition)
	}
	a, ok := r.Find(macA)
	require.True(t, ok)
	assert.False(t, a.Position.Placed())

	_, err = json.Marshal(r.List())
	assert.NoError(t, err)
}

func TestAnchorRegistry_Clear(t *testing.T) {
	t.Parallel()
	r := NewAnchorRegistry()
	_, _ = r.Add(macA, 0)
	r.Clear()
	assert.Zero(t, r.Len())
	_, err := r.Add(macA, 0)
	assert.NoError(t, err)
}

func TestPosition_JSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Anchor{ID: macA, Floor: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mac":"AA:BB:CC:DD:EE:01","position":null,"floor":1}`, string(b))

	var a Anchor
	require.NoError(t, json.Unmarshal([]byte(`{"mac":"x","position":{"x":3,"y":4}}`), &a))
	pt, ok := a.Position.Point()
	require.True(t, ok)
	assert.Equal(t, Point{X: 3, Y: 4}, pt)
	assert.Equal(t, 0, a.Floor)

	var unset Anchor
	require.NoError(t, json.Unmarshal([]byte(`{"mac":"x"}`), &unset))
	assert.False(t, unset.Position.Placed())
	assert.Equal(t, "unset", unset.Position.String())
}
