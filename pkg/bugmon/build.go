package bugmon

import (
	"context"
	"fmt"
	"time"
)

// A BuildHandle identifies one runnable build of a branch. Handles are ordered
// by their build timestamp, which serves as a proxy for commit order within a
// branch. Two handles are only comparable if they belong to the same branch.
type BuildHandle struct {
	Branch    string    // The branch this build was produced from
	Revision  string    // The revision the build was produced at
	Timestamp time.Time // When the build was produced
	Artifact  string    // Opaque reference to the runnable artifact, interpreted by the harness
}

// Before reports whether b was built before other. Both handles must belong to
// the same branch.
func (b BuildHandle) Before(other BuildHandle) bool {
	return b.Branch == other.Branch && b.Timestamp.Before(other.Timestamp)
}

func (b BuildHandle) String() string {
	return fmt.Sprintf("%s %s-%s", b.Branch, b.Timestamp.Format("20060102"), shortRev(b.Revision))
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// A RevRange is an adjacent pair of builds across which a testcase's
// reproduction outcome flips. For a regression range, Start is the last build
// not exhibiting the crash and End the first one that does. For a fix range
// the polarity is inverted: Start is the last build still crashing and End the
// first fixed one. In both cases Start must be chronologically before End.
type RevRange struct {
	Start BuildHandle
	End   BuildHandle
}

// Validate checks the range's internal consistency.
func (r RevRange) Validate() error {
	if r.Start.Branch != r.End.Branch {
		return fmt.Errorf("range endpoints belong to different branches (%s and %s)", r.Start.Branch, r.End.Branch)
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("range start %s is not before its end %s", r.Start, r.End)
	}
	return nil
}

// A BuildSequence lazily enumerates a branch's builds in chronological order.
// Next returns ErrEndOfBuilds once the history is exhausted. Sequences are
// restartable by requesting a fresh one from the resolver.
type BuildSequence interface {
	Next(ctx context.Context) (BuildHandle, error)
}

// A BuildResolver maps branches and revisions to runnable builds.
// Implementations may cache resolved builds. The cache has to be safe for
// concurrent read access, as independent bug workers share one resolver.
type BuildResolver interface {
	// Builds returns a fresh sequence over the branch's builds, oldest first.
	Builds(ctx context.Context, branch string) (BuildSequence, error)

	// Resolve returns the build produced at the given revision. The special
	// revision "latest" resolves to the branch's tip build. Returns an error
	// wrapping ErrBuildUnavailable if no runnable build exists there.
	Resolve(ctx context.Context, branch, revision string) (BuildHandle, error)
}

// TipRevision is the pseudo-revision accepted by BuildResolver.Resolve to
// request a branch's most recent build.
const TipRevision = "latest"
