package unmix

import "fmt"

// ConfigError reports an invalid or infeasible parameter detected before any
// numerical work starts: a malformed region-weight token, a non-positive
// component count, an unknown filter algorithm.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "unmix: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// DimensionError reports a shape mismatch that cannot be auto-corrected,
// such as a regression target whose transformed feature count differs from
// the fixed basis. Want and Got carry the conflicting sizes.
type DimensionError struct {
	Op   string
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("unmix: %s: dimension mismatch: want %d, got %d", e.Op, e.Want, e.Got)
}

func newDimensionError(op string, want, got int) *DimensionError {
	return &DimensionError{Op: op, Want: want, Got: got}
}

// WarningCode classifies non-fatal conditions collected during a run.
type WarningCode int

const (
	// WarnRankClamped: a requested rank exceeded the feasible maximum and
	// was reduced.
	WarnRankClamped WarningCode = iota
	// WarnFilterRankRaised: filter components were below the factorization
	// rank and were raised to match.
	WarnFilterRankRaised
	// WarnNotConverged: an iterative fit stopped at its iteration cap
	// before reaching tolerance; the best iterate was kept.
	WarnNotConverged
	// WarnSampleSkipped: regression excluded one sample after a per-row
	// solver failure; its output row is zero.
	WarnSampleSkipped
	// WarnKMeansInitFailed: clustering-based seeding failed and the
	// standard initialization policy was used instead.
	WarnKMeansInitFailed
)

func (c WarningCode) String() string {
	switch c {
	case WarnRankClamped:
		return "rank-clamped"
	case WarnFilterRankRaised:
		return "filter-rank-raised"
	case WarnNotConverged:
		return "not-converged"
	case WarnSampleSkipped:
		return "sample-skipped"
	case WarnKMeansInitFailed:
		return "kmeans-init-failed"
	default:
		return "unknown"
	}
}

// Warning is a collected non-fatal condition. Warnings ride along with
// results instead of aborting them.
type Warning struct {
	Code    WarningCode
	Message string
}

func (w Warning) String() string {
	return w.Code.String() + ": " + w.Message
}

// Report accumulates convergence state and warnings for one standard run.
type Report struct {
	// Converged is true when the factorization met its tolerance within
	// the iteration budget.
	Converged bool
	// Iterations is the number of outer iterations actually used.
	Iterations int
	// Residual is the final Frobenius residual of the factorization in
	// filtered space.
	Residual float64
	// Warnings collects every non-fatal condition in occurrence order.
	Warnings []Warning
}

func (r *Report) warnf(code WarningCode, format string, args ...any) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Message: fmt.Sprintf(format, args...)})
}

// HasWarning reports whether a warning with the given code was collected.
func (r *Report) HasWarning(code WarningCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}
