package bugmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// scriptedHarness is a fake harness whose outcomes are scripted per revision.
// Revisions with queued outcomes consume them in order, the last one repeats.
// Unknown revisions fall back to the verdict function.
type scriptedHarness struct {
	mu sync.Mutex

	script  map[string][]RawOutcome
	errRevs map[string]bool

	// fallback decides the outcome for unscripted revisions
	fallback func(build BuildHandle) RawOutcome

	calls      map[string]int
	totalCalls int

	concurrencySafe bool
}

func newScriptedHarness(fallback func(build BuildHandle) RawOutcome) *scriptedHarness {
	return &scriptedHarness{
		script:   make(map[string][]RawOutcome),
		errRevs:  make(map[string]bool),
		fallback: fallback,
		calls:    make(map[string]int),
	}
}

func (h *scriptedHarness) Run(ctx context.Context, build BuildHandle, testcase string, timeout time.Duration) (RawOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls[build.Revision]++
	h.totalCalls++

	if h.errRevs[build.Revision] {
		return RawOutcome{}, errors.New("harness error")
	}

	if queued := h.script[build.Revision]; len(queued) > 0 {
		out := queued[0]
		if len(queued) > 1 {
			h.script[build.Revision] = queued[1:]
		}
		return out, nil
	}

	return h.fallback(build), nil
}

func (h *scriptedHarness) ConcurrencySafe() bool {
	return h.concurrencySafe
}

// crashingFrom returns a fallback which crashes on every build with a
// timestamp at or after the given day.
func crashingFrom(from time.Time) func(build BuildHandle) RawOutcome {
	return func(build BuildHandle) RawOutcome {
		if !build.Timestamp.Before(from) {
			return RawOutcome{Crashed: true, Signature: "SUMMARY: AddressSanitizer: heap-use-after-free"}
		}
		return RawOutcome{}
	}
}

// neverCrashing is a fallback on which the testcase always runs to completion.
func neverCrashing(build BuildHandle) RawOutcome {
	return RawOutcome{}
}

// day returns a fixed date offset by n days, the timeline used by the build
// fixtures.
func day(n int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n-1)
}

// makeResolver builds a resolver with the given amount of daily builds on one
// branch, with revisions rev1 through revN dated day(1) through day(N).
func makeResolver(branch string, builds int) *ManifestResolver {
	resolver := &ManifestResolver{}
	for i := 1; i <= builds; i++ {
		resolver.AddBuild(BuildHandle{
			Branch:    branch,
			Revision:  fmt.Sprintf("rev%d", i),
			Timestamp: day(i),
			Artifact:  fmt.Sprintf("artifact-%d", i),
		})
	}
	return resolver
}

// makeBug returns an open bug targeting the given branch.
func makeBug(branch string) *Bug {
	return &Bug{
		ID:           1234,
		Product:      "Core",
		Component:    "JavaScript Engine",
		Status:       "NEW",
		Branch:       branch,
		Testcase:     "testcase.js",
		CreationTime: day(1),
		LastChange:   time.Now(),
		CommentZero:  "Crash observed while fuzzing",
	}
}

// testConfig returns the tunables used by the tests, matching the documented
// defaults.
func testConfig() *Config {
	return &Config{
		Attempts:            3,
		SkipBudget:          5,
		ConfirmRetries:      2,
		ReopenConfirmations: 2,
		RunTimeout:          time.Second,
		AttemptPoolSize:     1,
	}
}
