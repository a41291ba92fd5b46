package bugmon

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// A BisectionResult is the narrowed range after a search converged: an
// adjacent pair of builds between which the testcase's reproduction outcome
// flips, with no untested build strictly between them. For a regression
// bisection LastGood is the last build not exhibiting the crash and FirstBad
// the first one that does. For a fix bisection the polarity inverts: LastGood
// is the last build still crashing and FirstBad the first fixed one.
type BisectionResult struct {
	LastGood BuildHandle
	FirstBad BuildHandle

	FindFix bool // Whether this was a fix bisection

	BuildsTested  int // Reproduction rounds spent on candidate builds
	Confirmations int // Reproduction rounds spent re-confirming the boundary
}

// Range returns the result as a recordable revision range.
func (r BisectionResult) Range() RevRange {
	return RevRange{Start: r.LastGood, End: r.FirstBad}
}

// A Bisector performs a confirmed binary search over a branch's build history
// to find the adjacent build pair at which a testcase's reproduction outcome
// changed. It borrows the bug's branch and testcase for the duration of one
// search and retains no state across calls.
type Bisector struct {
	Resolver BuildResolver
	Tester   *Tester

	// How many consecutive unusable candidate builds are tolerated before the
	// search aborts as inconclusive.
	SkipBudget int

	// How many boundary re-confirmation failures are tolerated before the
	// search aborts as inconclusive.
	ConfirmRetries int

	Log *logrus.Entry // The log to which information gets printed to
}

// NewBisector returns a bisector configured from config.
func NewBisector(resolver BuildResolver, tester *Tester, config *Config, log *logrus.Entry) *Bisector {
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = logrus.NewEntry(muted)
	}
	return &Bisector{
		Resolver:       resolver,
		Tester:         tester,
		SkipBudget:     config.SkipBudget,
		ConfirmRetries: config.ConfirmRetries,
		Log:            log,
	}
}

// branchHistory is a lazily drained view of one branch's chronologically
// ordered builds. The underlying sequence is only advanced as far as the
// search actually needs.
type branchHistory struct {
	seq       BuildSequence
	builds    []BuildHandle
	exhausted bool
}

// at returns the build at index i, draining the sequence as needed. Returns
// ErrEndOfBuilds if the branch has fewer builds.
func (h *branchHistory) at(ctx context.Context, i int) (BuildHandle, error) {
	for len(h.builds) <= i {
		if h.exhausted {
			return BuildHandle{}, ErrEndOfBuilds
		}
		build, err := h.seq.Next(ctx)
		if errors.Is(err, ErrEndOfBuilds) {
			h.exhausted = true
			return BuildHandle{}, ErrEndOfBuilds
		} else if err != nil {
			return BuildHandle{}, err
		}
		h.builds = append(h.builds, build)
	}
	return h.builds[i], nil
}

// find returns the index of the build matching the handle's revision,
// draining the sequence until it is found.
func (h *branchHistory) find(ctx context.Context, want BuildHandle) (int, error) {
	for i := 0; ; i++ {
		build, err := h.at(ctx, i)
		if errors.Is(err, ErrEndOfBuilds) {
			return 0, fmt.Errorf("revision %s not in branch history: %w", want.Revision, ErrBuildUnavailable)
		} else if err != nil {
			return 0, err
		}
		if build.Revision == want.Revision || build.Timestamp.Equal(want.Timestamp) {
			return i, nil
		}
	}
}

// Bisect narrows the range between good and bad down to an adjacent build
// pair. good is the exclusive lower bound and bad the exclusive upper bound of
// the candidate window. For a regression bisection good is assumed not to
// reproduce and bad to reproduce; findFix inverts both assumptions, searching
// forward from the last reproducing build to the first fixed one.
//
// Unusable candidate builds are skipped without narrowing the bounds. Before
// returning, the final boundary pair is re-confirmed once more on each side;
// on mismatch the search widens one step in the mismatch's direction rather
// than returning a falsified boundary. Exhausting the skip or confirmation
// budget returns an InconclusiveError.
func (b *Bisector) Bisect(ctx context.Context, bug *Bug, good, bad BuildHandle, findFix bool) (*BisectionResult, error) {
	if good.Branch != bad.Branch {
		return nil, fmt.Errorf("bisection bounds on different branches (%s and %s)", good.Branch, bad.Branch)
	}

	seq, err := b.Resolver.Builds(ctx, good.Branch)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to enumerate builds of branch %s", good.Branch), err)
	}
	hist := &branchHistory{seq: seq}

	goodIdx, err := hist.find(ctx, good)
	if err != nil {
		return nil, err
	}
	badIdx, err := hist.find(ctx, bad)
	if err != nil {
		return nil, err
	}
	if goodIdx >= badIdx {
		return nil, fmt.Errorf("lower bound %s is not before upper bound %s", good, bad)
	}

	verb := "regressed"
	if findFix {
		verb = "fixed"
	}
	b.Log.Infof("Bisecting where bug %d %s, between %s and %s (%d builds in between)",
		bug.ID, verb, good, bad, badIdx-goodIdx-1)

	skipped := make(map[int]bool)
	var tested, confirmations, skipStreak, confirmFails int

	revAt := func(i int) string {
		if i < 0 {
			return "<branch start>"
		}
		build, err := hist.at(ctx, i)
		if err != nil {
			return "<branch end>"
		}
		return build.Revision
	}
	inconclusive := func(reason string) (*BisectionResult, error) {
		return nil, &InconclusiveError{
			Branch: good.Branch,
			Good:   revAt(goodIdx),
			Bad:    revAt(badIdx),
			Reason: reason,
		}
	}

	for {
		// Candidate builds strictly between the bounds, oldest first
		var candidates []int
		for i := goodIdx + 1; i < badIdx; i++ {
			if !skipped[i] {
				candidates = append(candidates, i)
			}
		}

		if len(candidates) == 0 {
			// Bounds are adjacent, re-confirm them before trusting the boundary
			lower, err := hist.at(ctx, goodIdx)
			if err != nil {
				return nil, err
			}
			upper, err := hist.at(ctx, badIdx)
			if err != nil {
				return nil, err
			}

			lowerRes, err := b.Tester.Test(ctx, lower, bug)
			if err != nil {
				return nil, err
			}
			upperRes, err := b.Tester.Test(ctx, upper, bug)
			if err != nil {
				return nil, err
			}
			confirmations += 2

			lowerWant, upperWant := NotReproduced, Reproduced
			if findFix {
				lowerWant, upperWant = Reproduced, NotReproduced
			}

			if lowerRes.Verdict == lowerWant && upperRes.Verdict == upperWant {
				b.Log.Infof("Boundary confirmed: %s -> %s after %d rounds", lower, upper, tested)
				return &BisectionResult{
					LastGood: lower,
					FirstBad: upper,

					FindFix: findFix,

					BuildsTested:  tested,
					Confirmations: confirmations,
				}, nil
			}

			confirmFails++
			if confirmFails > b.ConfirmRetries {
				return inconclusive("boundary re-confirmation kept failing")
			}

			// Widen one step in the direction of the mismatch and continue
			switch {
			case lowerRes.Verdict == upperWant:
				b.Log.Warnf("Lower bound %s no longer %s, widening downwards", lower, lowerWant)
				badIdx = goodIdx
				goodIdx--
				if goodIdx < 0 {
					return inconclusive("widened past the branch's earliest build")
				}
			case upperRes.Verdict == lowerWant:
				b.Log.Warnf("Upper bound %s no longer %s, widening upwards", upper, upperWant)
				goodIdx = badIdx
				badIdx++
				if _, err := hist.at(ctx, badIdx); errors.Is(err, ErrEndOfBuilds) {
					return inconclusive("widened past the branch's latest build")
				} else if err != nil {
					return nil, err
				}
			default:
				// An endpoint turned unusable, retry within the budget
				b.Log.Warnf("Boundary build unusable during re-confirmation, retrying")
			}
			continue
		}

		// Integer-index midpoint, ties round toward the earlier build
		mid := candidates[(len(candidates)-1)/2]
		build, err := hist.at(ctx, mid)
		if err != nil {
			return nil, err
		}

		res, err := b.Tester.Test(ctx, build, bug)
		if err != nil {
			return nil, err
		}
		tested++

		if res.Verdict == Ignored {
			// Unusable build: drop it from the candidates without narrowing
			// the bounds and retry with the next-nearest candidate
			skipped[mid] = true
			skipStreak++
			b.Log.Warnf("Skipping unusable build %s (%d consecutive skips)", build, skipStreak)
			if skipStreak > b.SkipBudget {
				return inconclusive("consecutive skip budget exhausted")
			}
			continue
		}
		skipStreak = 0

		if (res.Verdict == Reproduced) != findFix {
			badIdx = mid
		} else {
			goodIdx = mid
		}
	}
}
