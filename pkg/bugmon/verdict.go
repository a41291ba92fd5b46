package bugmon

import "strings"

// A Verdict is the classified outcome of testing one build, aggregated over
// one or more reproduction attempts.
type Verdict int

const (
	// Reproduced means the majority of counted runs triggered the bug's crash.
	Reproduced Verdict = iota
	// NotReproduced means the majority of counted runs completed without the
	// crash under test. Ties between even attempt counts also resolve here,
	// since declaring a bug fixed only triggers confirmation, never anything
	// destructive.
	NotReproduced
	// Ignored means the build produced no usable evidence: it could not be
	// fetched or run, or every attempt had to be discarded.
	Ignored
)

func (v Verdict) String() string {
	switch v {
	case Reproduced:
		return "reproduced"
	case NotReproduced:
		return "not reproduced"
	case Ignored:
		return "ignored"
	}
	return "unknown"
}

// A RawOutcome is the harness's report of a single reproduction attempt.
type RawOutcome struct {
	Crashed   bool   // Whether the target crashed
	Signature string // The crash signature, if one was detected
	TimedOut  bool   // Whether the run was killed after exceeding its timeout
}

// runOutcome is the classification of a single attempt before aggregation.
type runOutcome int

const (
	runReproduced runOutcome = iota
	runNotReproduced
	// runDiscarded covers timeouts, harness errors and crashes with a
	// signature unrelated to the bug under test. A discarded run is evidence
	// of neither presence nor absence of the crash.
	runDiscarded
)

// classifyRun maps one raw harness outcome onto a per-run outcome. A crash
// only counts as reproduced if its signature matches the expected one.
// An empty expected signature accepts any crash.
func classifyRun(out RawOutcome, err error, wantSignature string) runOutcome {
	if err != nil || out.TimedOut {
		return runDiscarded
	}
	if !out.Crashed {
		return runNotReproduced
	}
	if wantSignature == "" || signatureMatches(out.Signature, wantSignature) {
		return runReproduced
	}
	return runDiscarded
}

// signatureMatches compares crash signatures leniently: sanitizers and debug
// builds decorate the same crash differently across build dates, so one
// signature containing the other is treated as the same crash.
func signatureMatches(got, want string) bool {
	got, want = strings.TrimSpace(got), strings.TrimSpace(want)
	if got == "" || want == "" {
		return got == want
	}
	return strings.Contains(got, want) || strings.Contains(want, got)
}

// A TestResult couples the aggregate verdict for one build with the confidence
// derived from its individual attempts.
type TestResult struct {
	Build   BuildHandle
	Verdict Verdict

	// Confidence is the fraction of counted runs agreeing with the verdict,
	// in (0, 1]. Zero for an Ignored verdict.
	Confidence float64

	Runs      int // Counted runs
	Discarded int // Discarded runs
}

// aggregateOutcomes folds per-run outcomes into a verdict by majority vote
// among the non-discarded runs. The fold only counts occurrences, so the
// verdict is invariant under reordering of the outcomes.
func aggregateOutcomes(outcomes []runOutcome) (Verdict, float64) {
	var reproduced, passed int
	for _, o := range outcomes {
		switch o {
		case runReproduced:
			reproduced++
		case runNotReproduced:
			passed++
		}
	}

	counted := reproduced + passed
	if counted == 0 {
		return Ignored, 0
	}
	if reproduced > passed {
		return Reproduced, float64(reproduced) / float64(counted)
	}
	return NotReproduced, float64(passed) / float64(counted)
}
