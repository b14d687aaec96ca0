package fusion

import "time"

// Engine defaults.
const (
	DefaultRSSIAt1m = -59.0
	DefaultPathLoss = 2.5

	// Samples at least this old are not used for a solve.
	StalenessWindow = 5 * time.Second
	// Entities idle for longer than this are dropped by the sweep.
	InactivityTimeout = 30 * time.Second
	SweepInterval     = time.Second

	MinSolvePoints = 3
	SingularDet    = 1e-4
)

// SolverPair and SolverLeastSquares name the available position solvers.
const (
	SolverPair         = "pair"
	SolverLeastSquares = "least_squares"
)
