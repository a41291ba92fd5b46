package bugmon

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// A Harness executes a testcase against one build and reports the raw outcome.
// Run owns the full lifecycle of whatever sandbox or execution context it
// needs: acquisition and release are scoped to the call and must happen on
// success, crash and timeout alike. A run exceeding the timeout reports
// TimedOut rather than returning an error.
type Harness interface {
	Run(ctx context.Context, build BuildHandle, testcase string, timeout time.Duration) (RawOutcome, error)
}

// A ConcurrentHarness additionally advertises whether it is safe to invoke
// concurrently. Harnesses not implementing this are treated as sequential.
type ConcurrentHarness interface {
	Harness
	ConcurrencySafe() bool
}

// A Tester classifies one build as reproducing a bug or not by running its
// testcase a bounded number of times and majority-voting the outcomes.
// Testers hold no per-call state and may be shared across bisections.
type Tester struct {
	Harness  Harness
	Attempts int // How many runs to attempt per build

	RunTimeout time.Duration // Timeout for a single run

	// How many attempts may run concurrently. Only honored beyond 1 if the
	// harness advertises concurrency safety, since majority voting is
	// order-independent but the harness itself may not be reentrant.
	PoolSize int

	Log *logrus.Entry // The log to which information gets printed to
}

// NewTester returns a tester configured from config, running against harness.
func NewTester(harness Harness, config *Config, log *logrus.Entry) *Tester {
	if log == nil {
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = logrus.NewEntry(muted)
	}
	return &Tester{
		Harness:    harness,
		Attempts:   config.Attempts,
		RunTimeout: config.RunTimeout,
		PoolSize:   config.AttemptPoolSize,
		Log:        log,
	}
}

// Test runs the bug's testcase against the given build up to the configured
// attempt count and aggregates the per-run outcomes into one verdict.
// Discarded runs (timeouts, harness errors, unrelated crashes) are logged and
// excluded from the vote; if every run is discarded the verdict is Ignored.
// The only returned error is the context's, a misbehaving build is a verdict,
// not an error.
func (t *Tester) Test(ctx context.Context, build BuildHandle, bug *Bug) (TestResult, error) {
	attempts := t.Attempts
	if attempts < 1 {
		attempts = 1
	}

	pool := 1
	if ch, ok := t.Harness.(ConcurrentHarness); ok && ch.ConcurrencySafe() && t.PoolSize > 1 {
		pool = t.PoolSize
	}

	outcomes := make([]runOutcome, attempts)
	if pool == 1 {
		for i := 0; i < attempts; i++ {
			if err := ctx.Err(); err != nil {
				return TestResult{}, err
			}
			outcomes[i] = t.singleRun(ctx, build, bug, i)
		}
	} else {
		sem := semaphore.NewWeighted(int64(pool))
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return TestResult{}, err
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer sem.Release(1)
				outcomes[i] = t.singleRun(ctx, build, bug, i)
			}(i)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return TestResult{}, err
		}
	}

	verdict, confidence := aggregateOutcomes(outcomes)

	discarded := 0
	for _, o := range outcomes {
		if o == runDiscarded {
			discarded++
		}
	}

	t.Log.Infof("Build %s: verdict %s (confidence %.2f, %d/%d runs discarded)",
		build, verdict, confidence, discarded, attempts)

	return TestResult{
		Build:      build,
		Verdict:    verdict,
		Confidence: confidence,
		Runs:       attempts - discarded,
		Discarded:  discarded,
	}, nil
}

func (t *Tester) singleRun(ctx context.Context, build BuildHandle, bug *Bug, attempt int) runOutcome {
	out, err := t.Harness.Run(ctx, build, bug.Testcase, t.RunTimeout)
	outcome := classifyRun(out, err, bug.Signature)

	if outcome == runDiscarded {
		switch {
		case err != nil:
			t.Log.Warnf("Attempt %d on %s discarded, harness error - %v", attempt, build, err)
		case out.TimedOut:
			t.Log.Warnf("Attempt %d on %s discarded after timeout of %v", attempt, build, t.RunTimeout)
		default:
			t.Log.Warnf("Attempt %d on %s discarded, unrelated crash signature %q", attempt, build, out.Signature)
		}
	}

	return outcome
}
