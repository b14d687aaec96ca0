package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ranged(target Point, anchors ...Point) []RangePoint {
	out := make([]RangePoint, len(anchors))
	for i, a := range anchors {
		out[i] = RangePoint{X: a.X, Y: a.Y, Distance: math.Hypot(target.X-a.X, target.Y-a.Y)}
	}
	return out
}

func TestSolve_RightTriangle(t *testing.T) {
	t.Parallel()
	pts := ranged(Point{3, 4}, Point{0, 0}, Point{10, 0}, Point{0, 10})
	for name, solve := range map[string]SolverFunc{"pair": Solve, "least_squares": SolveLeastSquares} {
		got, ok := solve(pts)
		require.True(t, ok, name)
		assert.InDelta(t, 3, got.X, 1e-6, name)
		assert.InDelta(t, 4, got.Y, 1e-6, name)
	}
}

func TestSolve_TooFewPoints(t *testing.T) {
	t.Parallel()
	for _, pts := range [][]RangePoint{
		nil,
		{{X: 0, Y: 0, Distance: 1}},
		{{X: 0, Y: 0, Distance: 1}, {X: 1, Y: 0, Distance: 1}},
	} {
		_, ok := Solve(pts)
		assert.False(t, ok)
		_, ok = SolveLeastSquares(pts)
		assert.False(t, ok)
	}
}

func TestSolve_Colinear(t *testing.T) {
	t.Parallel()
	pts := []RangePoint{
		{X: 0, Y: 0, Distance: 3},
		{X: 5, Y: 0, Distance: 2},
		{X: 10, Y: 0, Distance: 7},
	}
	_, ok := Solve(pts)
	assert.False(t, ok)
	_, ok = SolveLeastSquares(pts)
	assert.False(t, ok)
}

func TestSolve_NearlySingular(t *testing.T) {
	t.Parallel()
	// det is 4e-5, under the singular threshold.
	pts := []RangePoint{
		{X: 0, Y: 0, Distance: 1},
		{X: 0.001, Y: 0, Distance: 1},
		{X: 0, Y: 0.01, Distance: 1},
	}
	_, ok := Solve(pts)
	assert.False(t, ok)
}

func TestSolve_ReorderTail(t *testing.T) {
	t.Parallel()
	// Noisy ranges: the two non-reference points swap rows but the 2x2 system is the same.
	pts := []RangePoint{
		{X: 0, Y: 0, Distance: 5.3},
		{X: 10, Y: 0, Distance: 7.9},
		{X: 0, Y: 10, Distance: 6.4},
	}
	a, ok := Solve(pts)
	require.True(t, ok)
	b, ok := Solve([]RangePoint{pts[0], pts[2], pts[1]})
	require.True(t, ok)
	assert.InDelta(t, a.X, b.X, 1e-9)
	assert.InDelta(t, a.Y, b.Y, 1e-9)

	// With consistent ranges any tail ordering of a larger set agrees.
	exact := ranged(Point{6, 2}, Point{0, 0}, Point{10, 0}, Point{0, 10}, Point{10, 10}, Point{5, -3})
	want, ok := Solve(exact)
	require.True(t, ok)
	got, ok := Solve([]RangePoint{exact[0], exact[4], exact[3], exact[2], exact[1]})
	require.True(t, ok)
	assert.InDelta(t, want.X, got.X, 1e-6)
	assert.InDelta(t, want.Y, got.Y, 1e-6)
}

func TestSolve_UsesOnlyFirstTwoRows(t *testing.T) {
	t.Parallel()
	pts := ranged(Point{3, 4}, Point{0, 0}, Point{10, 0}, Point{0, 10})
	pts = append(pts, RangePoint{X: 10, Y: 10, Distance: 100})
	got, ok := Solve(pts)
	require.True(t, ok)
	assert.InDelta(t, 3, got.X, 1e-6)
	assert.InDelta(t, 4, got.Y, 1e-6)
}

func TestSolveLeastSquares_Overdetermined(t *testing.T) {
	t.Parallel()
	target := Point{X: 2.5, Y: 7.25}
	pts := ranged(target, Point{0, 0}, Point{10, 0}, Point{0, 10}, Point{10, 10}, Point{5, 5})
	got, ok := SolveLeastSquares(pts)
	require.True(t, ok)
	assert.InDelta(t, target.X, got.X, 1e-6)
	assert.InDelta(t, target.Y, got.Y, 1e-6)

	// Every ordering, including a new reference point, recovers the same position.
	reordered := []RangePoint{pts[3], pts[1], pts[4], pts[0], pts[2]}
	again, ok := SolveLeastSquares(reordered)
	require.True(t, ok)
	assert.InDelta(t, got.X, again.X, 1e-6)
	assert.InDelta(t, got.Y, again.Y, 1e-6)
}

func TestSolveLeastSquares_AveragesNoise(t *testing.T) {
	t.Parallel()
	target := Point{X: 4, Y: 4}
	pts := ranged(target, Point{0, 0}, Point{10, 0}, Point{0, 10}, Point{10, 10})
	pts[3].Distance += 0.5
	got, ok := SolveLeastSquares(pts)
	require.True(t, ok)
	assert.InDelta(t, target.X, got.X, 0.5)
	assert.InDelta(t, target.Y, got.Y, 0.5)
}

func TestSolverByName(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", SolverPair, SolverLeastSquares} {
		fn, err := SolverByName(name)
		require.NoError(t, err)
		assert.NotNil(t, fn)
	}
	_, err := SolverByName("kalman")
	assert.Error(t, err)
}
