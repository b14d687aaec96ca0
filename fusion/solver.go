package fusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolverFunc estimates a position from ranged anchors. ok is false when no estimate exists.
type SolverFunc func(points []RangePoint) (pt Point, ok bool)

func SolverByName(name string) (SolverFunc, error) {
	switch name {
	case "", SolverPair:
		return Solve, nil
	case SolverLeastSquares:
		return SolveLeastSquares, nil
	}
	return nil, fmt.Errorf("unknown solver %q", name)
}

// linearize subtracts the circle equation of points[0] from each other point, giving
// rows 2(xi-x1)x + 2(yi-y1)y = xi²-x1² + yi²-y1² + d1²-di².
func linearize(points []RangePoint) (a [][2]float64, b []float64) {
	ref := points[0]
	for _, p := range points[1:] {
		a = append(a, [2]float64{2 * (p.X - ref.X), 2 * (p.Y - ref.Y)})
		b = append(b, p.X*p.X-ref.X*ref.X+p.Y*p.Y-ref.Y*ref.Y+ref.Distance*ref.Distance-p.Distance*p.Distance)
	}
	return a, b
}

// Solve multilaterates using only the first two linearized rows, by Cramer's rule.
// Extra points beyond the third do not influence the result.
func Solve(points []RangePoint) (Point, bool) {
	if len(points) < MinSolvePoints {
		return Point{}, false
	}
	a, b := linearize(points[:3])
	det := a[0][0]*a[1][1] - a[0][1]*a[1][0]
	if math.Abs(det) < SingularDet {
		return Point{}, false
	}
	x := (b[0]*a[1][1] - a[0][1]*b[1]) / det
	y := (a[0][0]*b[1] - b[0]*a[1][0]) / det
	if !finite(x) || !finite(y) {
		return Point{}, false
	}
	return Point{X: x, Y: y}, true
}

// SolveLeastSquares uses every linearized row through the normal equations AᵀA p = Aᵀb.
func SolveLeastSquares(points []RangePoint) (Point, bool) {
	if len(points) < MinSolvePoints {
		return Point{}, false
	}
	rows, rhs := linearize(points)
	data := make([]float64, 0, 2*len(rows))
	for _, r := range rows {
		data = append(data, r[0], r[1])
	}
	a := mat.NewDense(len(rows), 2, data)
	b := mat.NewVecDense(len(rhs), rhs)

	var ata mat.Dense
	ata.Mul(a.T(), a)
	if math.Abs(mat.Det(&ata)) < SingularDet {
		return Point{}, false
	}
	var atb mat.VecDense
	atb.MulVec(a.T(), b)

	var p mat.VecDense
	if err := p.SolveVec(&ata, &atb); err != nil {
		return Point{}, false
	}
	x, y := p.AtVec(0), p.AtVec(1)
	if !finite(x) || !finite(y) {
		return Point{}, false
	}
	return Point{X: x, Y: y}, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
