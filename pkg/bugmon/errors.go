package bugmon

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildUnavailable is returned when the resolver cannot produce a runnable
	// build for a revision. During bisection this is recoverable for candidate
	// builds, but fatal if it concerns one of the endpoints.
	ErrBuildUnavailable = errors.New("build unavailable")

	// ErrEndOfBuilds is returned by a BuildSequence once the branch's history is
	// exhausted.
	ErrEndOfBuilds = errors.New("end of builds")

	// ErrNoTestcase is returned when a bug carries no identifiable testcase.
	ErrNoTestcase = errors.New("no testcase identified")

	// ErrUnsupportedBranch is returned when a bug's version cannot be mapped to
	// a branch the resolver knows about.
	ErrUnsupportedBranch = errors.New("bug filed against non-supported branch")
)

// An InconclusiveError signals that a bisection could not be driven to a
// trustworthy boundary and needs human triage. It is returned instead of a
// possibly falsified BisectionResult.
type InconclusiveError struct {
	Branch string
	Good   string // revision of the lower bound when the search stopped
	Bad    string // revision of the upper bound when the search stopped
	Reason string
}

func (e *InconclusiveError) Error() string {
	return fmt.Sprintf("bisection of %s between %s and %s inconclusive: %s", e.Branch, e.Good, e.Bad, e.Reason)
}
