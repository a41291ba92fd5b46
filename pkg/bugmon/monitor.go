package bugmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// A LifecycleState is the position of a bug within one monitoring pass.
// States are only ever mutated by the driving Monitor.
type LifecycleState int

const (
	// Unconfirmed means the bug's status relative to the tracker's claim is
	// still unknown, either because no decisive evidence was gathered yet or
	// because every attempt so far was inconclusive.
	Unconfirmed LifecycleState = iota
	// ConfirmedOpen means the bug still reproduces on the branch tip.
	ConfirmedOpen
	// ConfirmedFixed means the bug no longer reproduces where it used to.
	ConfirmedFixed
	// BisectingRegression means a search for the introducing revision is running.
	BisectingRegression
	// BisectingFix means a search for the fixing revision is running.
	BisectingFix
	// Reported is terminal for one pass, the next pass re-enters Unconfirmed.
	Reported
)

func (s LifecycleState) String() string {
	switch s {
	case Unconfirmed:
		return "UNCONFIRMED"
	case ConfirmedOpen:
		return "CONFIRMED_OPEN"
	case ConfirmedFixed:
		return "CONFIRMED_FIXED"
	case BisectingRegression:
		return "BISECTING_REGRESSION"
	case BisectingFix:
		return "BISECTING_FIX"
	case Reported:
		return "REPORTED"
	}
	return "UNKNOWN"
}

// How long a confirmed bug may go untouched before a reproducibility reminder
// is posted.
const confirmedReminderAge = 30 * 24 * time.Hour

var patchRevPattern = regexp.MustCompile(`/rev/([a-f0-9]{12,40})\b`)

// A PassReport summarizes one completed monitoring pass over one bug.
type PassReport struct {
	BugID int

	State      LifecycleState
	TipVerdict Verdict

	Result *BisectionResult // Set if a bisection converged this pass

	Comment    string  // Rendered tracker comment, empty if nothing to post
	Status     string  // New tracker status, empty if unchanged
	Whiteboard *string // New whiteboard contents, nil if unchanged
	CloseBug   bool    // Whether the bug was dropped from further analysis

	// Inconclusive flags a pass that stopped short of a decisive outcome and
	// needs human triage, e.g. an exhausted bisection budget.
	Inconclusive bool

	Err error // Set by the Runner if the pass failed outright
}

// A Monitor drives bugs through their lifecycle: it confirms reproducibility
// against the branch tip, triggers bisections when the reproducibility status
// changed, and renders the outcome into tracker updates. A Monitor holds no
// per-bug state and may be shared across concurrent bug workers; each pass
// owns its bug exclusively.
type Monitor struct {
	Tracker  TrackerClient
	Resolver BuildResolver
	Tester   *Tester
	Bisector *Bisector
	Config   *Config

	// DryRun disables tracker modification. Updates are logged instead.
	DryRun bool

	Log *logrus.Logger // The log to which information gets printed to
}

func (m *Monitor) log() *logrus.Logger {
	if m.Log == nil {
		m.Log = logrus.New()
		m.Log.SetOutput(io.Discard)
	}
	return m.Log
}

// pass carries the mutable state of one monitoring pass. It is created per
// Process call and never shared, which keeps concurrent multi-bug processing
// free of cross-bug locking.
type pass struct {
	monitor *Monitor
	bug     *Bug

	state      LifecycleState
	tipVerdict Verdict
	result     *BisectionResult

	queue        []string
	statusChange string
	closeBug     bool
	inconclusive bool

	log *logrus.Entry
}

// report queues messages for the tracker comment and mirrors them to the log.
func (p *pass) report(messages ...string) {
	for _, message := range messages {
		p.queue = append(p.queue, message)
		p.log.Info(message)
	}
}

// Process runs one monitoring pass over the bug: confirmation against the
// branch tip, conditional bisection, then reporting. The bug's recorded
// ranges are only modified by a converged bisection; fatal conditions abort
// the pass without touching them.
func (m *Monitor) Process(ctx context.Context, bug *Bug) (*PassReport, error) {
	p := &pass{
		monitor: m,
		bug:     bug,
		state:   Unconfirmed,
		log:     m.log().WithField("bug-id", bug.ID),
	}

	if !bug.SupportedResolution() {
		p.report(fmt.Sprintf("No valid actions for resolution (%s)", bug.Resolution))
		p.closeBug = true
		return p.commit(ctx)
	}

	if err := bug.Validate(); err != nil {
		switch {
		case errors.Is(err, ErrNoTestcase):
			p.report("Failed to identify testcase. Please attach one and re-add the bugmon keyword.")
			p.closeBug = true
			return p.commit(ctx)
		case errors.Is(err, ErrUnsupportedBranch):
			p.report(fmt.Sprintf("Bug filed against non-supported branch (version %d)", bug.Version))
			p.closeBug = true
			return p.commit(ctx)
		default:
			return nil, err
		}
	}

	switch {
	case bug.NeedsVerify():
		if err := p.verifyFixed(ctx); err != nil {
			return nil, err
		}
	case bug.NeedsConfirm():
		if err := p.confirmOpen(ctx); err != nil {
			return nil, err
		}
	case bug.NeedsBisect():
		if err := p.bisectOnly(ctx); err != nil {
			return nil, err
		}
	default:
		p.log.Info("Nothing to do for bug")
		p.state = Reported
	}

	return p.commit(ctx)
}

// reproduceTip tests the bug's testcase against the most recent build of its
// branch. A resolver failure is reported as an Ignored verdict, keeping the
// pass in Unconfirmed.
func (p *pass) reproduceTip(ctx context.Context) (TestResult, error) {
	tip, err := p.monitor.Resolver.Resolve(ctx, p.bug.Branch, TipRevision)
	if errors.Is(err, ErrBuildUnavailable) {
		p.log.Warnf("Failed to fetch tip build of %s - %v", p.bug.Branch, err)
		return TestResult{Verdict: Ignored}, nil
	} else if err != nil {
		return TestResult{}, err
	}
	return p.monitor.Tester.Test(ctx, tip, p.bug)
}

// confirmOpen handles bugs the tracker considers open: it confirms the bug
// still reproduces on the branch tip, bisects the regression if no range is
// recorded yet, and bisects the fix if the crash has gone away.
func (p *pass) confirmOpen(ctx context.Context) error {
	tipRes, err := p.reproduceTip(ctx)
	if err != nil {
		return err
	}
	p.tipVerdict = tipRes.Verdict

	switch tipRes.Verdict {
	case Ignored:
		// Build fetch failure or nothing but discarded runs: no decisive
		// evidence, stay put
		p.report(fmt.Sprintf("Unable to confirm bug on the current %s build, will retry on the next pass.", p.bug.Branch))
		p.inconclusive = true
		return nil

	case Reproduced:
		p.state = ConfirmedOpen
		if _, confirmed := p.bug.Commands()["confirmed"]; !confirmed {
			p.report(fmt.Sprintf("Verified bug as reproducible on %s.", tipRes.Build))
			if p.bug.RegressionRange == nil {
				if err := p.bisectRegression(ctx, tipRes.Build); err != nil {
					return err
				}
			}
		} else if time.Since(p.bug.LastChange) > confirmedReminderAge {
			p.report(fmt.Sprintf("Bug remains reproducible on %s", tipRes.Build))
		}
		p.bug.AddCommand("confirmed", "")
		p.bug.RemoveCommand("confirm")
		return nil

	default: // NotReproduced
		p.state = ConfirmedFixed
		return p.confirmFixed(ctx, tipRes.Build)
	}
}

// confirmFixed handles an open bug whose crash no longer reproduces on tip:
// it re-checks the last known reproducing build and, if that still crashes,
// bisects forward to find the fixing revision.
func (p *pass) confirmFixed(ctx context.Context, tip BuildHandle) error {
	if p.bug.FixRange != nil {
		p.report(fmt.Sprintf("Bug no longer reproduces on %s, fix range already recorded.", tip))
		p.state = Reported
		return nil
	}

	// The last build known to reproduce: the recorded regression range's bad
	// end, or the originally reported revision
	var knownBad BuildHandle
	if p.bug.RegressionRange != nil {
		knownBad = p.bug.RegressionRange.End
	} else {
		var err error
		knownBad, err = p.monitor.Resolver.Resolve(ctx, p.bug.Branch, p.bug.InitialRevision())
		if errors.Is(err, ErrBuildUnavailable) {
			p.report(fmt.Sprintf("Bug no longer reproduces on %s but its original build is unavailable.", tip))
			p.inconclusive = true
			return nil
		} else if err != nil {
			return err
		}

		origRes, err := p.monitor.Tester.Test(ctx, knownBad, p.bug)
		if err != nil {
			return err
		}
		switch origRes.Verdict {
		case NotReproduced:
			p.report(
				"Unable to reproduce bug using the following builds:",
				fmt.Sprintf("> %s", tip),
				fmt.Sprintf("> %s", knownBad),
			)
			p.closeBug = true
			p.state = Reported
			return nil
		case Ignored:
			p.report(fmt.Sprintf("Unable to verify the original build %s, will retry on the next pass.", knownBad))
			p.inconclusive = true
			return nil
		}
	}

	return p.bisectFix(ctx, knownBad, tip)
}

// verifyFixed handles bugs the tracker marks fixed: the fix is verified on
// the patch revision (or tip) and cross-checked against the last build known
// to reproduce, and an unexpectedly still-crashing bug is reopened after the
// configured number of independent confirmations.
func (p *pass) verifyFixed(ctx context.Context) error {
	rev := p.findPatchRev()
	if rev == "" {
		rev = TipRevision
	}
	build, err := p.monitor.Resolver.Resolve(ctx, p.bug.Branch, rev)
	if errors.Is(err, ErrBuildUnavailable) {
		p.report(fmt.Sprintf("Unable to fetch a build for patch revision %s.", rev))
		p.inconclusive = true
		return nil
	} else if err != nil {
		return err
	}

	res, err := p.monitor.Tester.Test(ctx, build, p.bug)
	if err != nil {
		return err
	}
	p.tipVerdict = res.Verdict

	switch res.Verdict {
	case Ignored:
		p.report(fmt.Sprintf("Unable to verify fix on %s, will retry on the next pass.", build))
		p.inconclusive = true
		return nil

	case NotReproduced:
		// A passing patch build alone does not prove the fix, the testcase
		// may simply have stopped working. Cross-check against the last
		// build known to reproduce before trusting the verdict.
		var knownBad BuildHandle
		if p.bug.RegressionRange != nil {
			knownBad = p.bug.RegressionRange.End
		} else {
			knownBad, err = p.monitor.Resolver.Resolve(ctx, p.bug.Branch, p.bug.InitialRevision())
			if errors.Is(err, ErrBuildUnavailable) {
				p.report(fmt.Sprintf("Bug appears to be fixed on %s but its original build is unavailable.", build))
				p.inconclusive = true
				return nil
			} else if err != nil {
				return err
			}
		}

		origRes, err := p.monitor.Tester.Test(ctx, knownBad, p.bug)
		if err != nil {
			return err
		}
		switch origRes.Verdict {
		case Ignored:
			p.report(fmt.Sprintf("Unable to verify the original build %s, will retry on the next pass.", knownBad))
			p.inconclusive = true
			return nil
		case NotReproduced:
			p.report(fmt.Sprintf("Bug appears to be fixed on %s but the crash could not be reproduced on %s.", build, knownBad))
			p.closeBug = true
			p.state = Reported
			return nil
		}

		p.report(fmt.Sprintf("Verified bug as fixed on %s.", build))
		p.statusChange = "VERIFIED"
		p.bug.AddCommand("verified", "")
		p.bug.RemoveCommand("verify")
		p.closeBug = true
		p.state = Reported
		return nil

	default: // Reproduced
		// A single crash on a supposedly fixed bug may be flakiness. Require
		// independent confirmations before reopening, and never start a
		// bisection off an unconfirmed reopen.
		confirmations := 1
		for confirmations < p.monitor.Config.ReopenConfirmations {
			again, err := p.monitor.Tester.Test(ctx, build, p.bug)
			if err != nil {
				return err
			}
			if again.Verdict != Reproduced {
				p.report(fmt.Sprintf("Bug reproduced once on %s but could not be confirmed, ignoring as transient.", build))
				p.inconclusive = true
				return nil
			}
			confirmations++
		}

		p.state = ConfirmedOpen
		p.report(fmt.Sprintf("Bug marked as FIXED but still reproduces on %s.", build))
		p.statusChange = "REOPENED"
		p.bug.AddCommand("confirmed", "")
		return nil
	}
}

// bisectOnly serves an explicit bisect command: the regression is bisected,
// or the fix if the bug is resolved.
func (p *pass) bisectOnly(ctx context.Context) error {
	tipRes, err := p.reproduceTip(ctx)
	if err != nil {
		return err
	}
	p.tipVerdict = tipRes.Verdict

	if tipRes.Verdict == Ignored {
		p.report("Failed to bisect bug (bad build)")
		p.inconclusive = true
		return nil
	}

	if tipRes.Verdict == Reproduced {
		return p.bisectRegression(ctx, tipRes.Build)
	}

	knownBad, err := p.monitor.Resolver.Resolve(ctx, p.bug.Branch, p.bug.InitialRevision())
	if errors.Is(err, ErrBuildUnavailable) {
		p.report("Failed to bisect fix, the original build is unavailable.")
		p.inconclusive = true
		return nil
	} else if err != nil {
		return err
	}
	return p.bisectFix(ctx, knownBad, tipRes.Build)
}

// bisectRegression searches for the revision that introduced the bug, between
// the configured baseline (or the branch's earliest build) and the given tip.
func (p *pass) bisectRegression(ctx context.Context, tip BuildHandle) error {
	var good BuildHandle
	if baseline := p.monitor.Config.Baseline; baseline != "" {
		var err error
		good, err = p.monitor.Resolver.Resolve(ctx, p.bug.Branch, baseline)
		if err != nil && !errors.Is(err, ErrBuildUnavailable) {
			return err
		} else if err != nil {
			p.report(fmt.Sprintf("Failed to bisect bug, baseline build %s is unavailable.", baseline))
			p.inconclusive = true
			return nil
		}
	} else {
		seq, err := p.monitor.Resolver.Builds(ctx, p.bug.Branch)
		if err != nil {
			return err
		}
		good, err = seq.Next(ctx)
		if errors.Is(err, ErrEndOfBuilds) {
			p.report(fmt.Sprintf("Failed to bisect bug, branch %s has no usable builds.", p.bug.Branch))
			p.inconclusive = true
			return nil
		} else if err != nil {
			return err
		}
	}

	if !good.Before(tip) {
		// Single-build branch or a baseline at the tip, no window to search
		p.report(fmt.Sprintf("Failed to bisect bug, no builds exist between %s and %s.", good, tip))
		p.inconclusive = true
		return nil
	}

	p.state = BisectingRegression
	result, err := p.monitor.Bisector.Bisect(ctx, p.bug, good, tip, false)
	return p.finishBisection(ctx, result, err)
}

// bisectFix searches forward from the last known reproducing build to the tip
// for the revision that fixed the bug.
func (p *pass) bisectFix(ctx context.Context, knownBad, tip BuildHandle) error {
	if !knownBad.Before(tip) {
		p.report(fmt.Sprintf("Failed to bisect fix, no builds exist between %s and %s.", knownBad, tip))
		p.inconclusive = true
		return nil
	}

	p.state = BisectingFix
	result, err := p.monitor.Bisector.Bisect(ctx, p.bug, knownBad, tip, true)
	return p.finishBisection(ctx, result, err)
}

// finishBisection folds a bisection's outcome back into the pass: a converged
// range is recorded on the bug and reported, an inconclusive search is
// surfaced for manual review, never silently resolved.
func (p *pass) finishBisection(ctx context.Context, result *BisectionResult, err error) error {
	p.bug.AddCommand("bisected", "")
	p.bug.RemoveCommand("bisect")

	var incErr *InconclusiveError
	if errors.As(err, &incErr) {
		p.report(RenderInconclusive(incErr, p.bug.SniffBuildFlags())...)
		p.inconclusive = true
		p.state = Reported
		return nil
	} else if err != nil {
		return err
	}

	rng := result.Range()
	if result.FindFix {
		p.bug.FixRange = &rng
	} else {
		p.bug.RegressionRange = &rng
	}

	p.result = result
	p.report(RenderBisection(result)...)
	p.state = Reported
	return nil
}

// findPatchRev scans the comment history, newest first, for a pushed patch
// revision link.
func (p *pass) findPatchRev() string {
	for i := len(p.bug.Comments) - 1; i >= 0; i-- {
		if match := patchRevPattern.FindStringSubmatch(p.bug.Comments[i].Text); match != nil {
			return match[1]
		}
	}
	return ""
}

// commit renders the pass into a report and posts the resulting updates to
// the tracker. The pass's outcome only counts as committed once every tracker
// update succeeded; a failed update is propagated and the tracker client is
// expected to retry idempotently.
func (p *pass) commit(ctx context.Context) (*PassReport, error) {
	if p.closeBug {
		p.report(
			"Removing bugmon analysis as no further action is possible.",
			"Please review the bug and re-add the bugmon keyword for further analysis.",
		)
		p.bug.SetCommands(nil)
	}

	report := &PassReport{
		BugID: p.bug.ID,

		State:      p.state,
		TipVerdict: p.tipVerdict,

		Result: p.result,

		Status:   p.statusChange,
		CloseBug: p.closeBug,

		Inconclusive: p.inconclusive,
	}
	report.Comment = RenderComment(p.queue)
	whiteboard := p.bug.Whiteboard
	report.Whiteboard = &whiteboard

	if p.monitor.DryRun || p.monitor.Tracker == nil {
		if report.Comment != "" {
			p.log.Infof("Dry run, not posting:\n%s", report.Comment)
		}
		return report, nil
	}

	if report.Comment != "" {
		if err := p.monitor.Tracker.PostComment(ctx, p.bug.ID, report.Comment); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to post comment on bug %d", p.bug.ID), err)
		}
	}
	if report.Status != "" {
		if err := p.monitor.Tracker.UpdateStatus(ctx, p.bug.ID, report.Status); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to update status of bug %d", p.bug.ID), err)
		}
	}
	if err := p.monitor.Tracker.UpdateWhiteboard(ctx, p.bug.ID, p.bug.Whiteboard); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to update whiteboard of bug %d", p.bug.ID), err)
	}
	if p.result != nil {
		if err := p.monitor.Tracker.UpdateRange(ctx, p.bug.ID, p.result.Range(), p.result.FindFix); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to record range on bug %d", p.bug.ID), err)
		}
	}

	return report, nil
}

// A Runner processes multiple independent bugs concurrently, one monitor pass
// each. Builds and harness executions are never shared across bugs, so the
// workers need no cross-bug locking; the only shared resource is the
// resolver's cache.
type Runner struct {
	Monitor *Monitor

	// The max amount of bugs processed concurrently, or 0 if no limit.
	MaxConcurrentBugs uint

	Log *logrus.Logger // The log to which information gets printed to
}

// Run fetches and processes all given bugs. It returns a channel on which one
// PassReport per bug appears; the channel is closed once every pass finished.
// Failed passes carry their error in the report's Err field.
func (r *Runner) Run(ctx context.Context, ids []int) (chan PassReport, error) {
	if r.Log == nil {
		r.Log = logrus.New()
		r.Log.SetOutput(io.Discard)
	}
	if r.Monitor == nil {
		return nil, fmt.Errorf("runner has no monitor")
	}

	maxBugs := int64(r.MaxConcurrentBugs)
	if maxBugs == 0 {
		maxBugs = math.MaxInt64
	}
	sem := semaphore.NewWeighted(maxBugs)

	reports := make(chan PassReport, len(ids))

	go func() {
		var wg sync.WaitGroup
		for _, id := range ids {
			if err := sem.Acquire(ctx, 1); err != nil {
				reports <- PassReport{BugID: id, Err: err}
				continue
			}
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				defer sem.Release(1)

				bug, err := r.Monitor.Tracker.FetchBug(ctx, id)
				if err != nil {
					reports <- PassReport{BugID: id, Err: errors.Join(fmt.Errorf("failed to fetch bug %d", id), err)}
					return
				}

				report, err := r.Monitor.Process(ctx, bug)
				if err != nil {
					reports <- PassReport{BugID: id, Err: err}
					return
				}
				reports <- *report
			}(id)
		}
		wg.Wait()
		close(reports)
	}()

	return reports, nil
}
