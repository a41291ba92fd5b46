package bugmon

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRun(t *testing.T) {
	values := []struct {
		name    string
		out     RawOutcome
		err     error
		want    string
		outcome runOutcome
	}{
		{"clean run counts as not reproduced", RawOutcome{}, nil, "", runNotReproduced},
		{"matching crash counts as reproduced", RawOutcome{Crashed: true, Signature: "SUMMARY: ASan: heap-use-after-free"}, nil, "heap-use-after-free", runReproduced},
		{"any crash matches empty expected signature", RawOutcome{Crashed: true, Signature: "Assertion failure: foo"}, nil, "", runReproduced},
		{"unrelated crash is discarded", RawOutcome{Crashed: true, Signature: "SUMMARY: ASan: stack-overflow"}, nil, "heap-use-after-free", runDiscarded},
		{"timeout is discarded", RawOutcome{TimedOut: true}, nil, "", runDiscarded},
		{"harness error is discarded", RawOutcome{}, errors.New("fetch failed"), "", runDiscarded},
		{"crash without signature against expected one is discarded", RawOutcome{Crashed: true}, nil, "heap-use-after-free", runDiscarded},
	}

	for _, v := range values {
		t.Run(v.name, func(t *testing.T) {
			assert.Equal(t, v.outcome, classifyRun(v.out, v.err, v.want), "Wrong run classification")
		})
	}
}

func TestAggregateOutcomes(t *testing.T) {
	t.Run("Majority of reproductions wins", func(t *testing.T) {
		verdict, confidence := aggregateOutcomes([]runOutcome{runReproduced, runReproduced, runNotReproduced})
		assert.Equal(t, Reproduced, verdict)
		assert.InDelta(t, 2.0/3.0, confidence, 1e-9)
	})

	t.Run("Majority of clean runs wins", func(t *testing.T) {
		verdict, confidence := aggregateOutcomes([]runOutcome{runNotReproduced, runReproduced, runNotReproduced})
		assert.Equal(t, NotReproduced, verdict)
		assert.InDelta(t, 2.0/3.0, confidence, 1e-9)
	})

	t.Run("Tie resolves to not reproduced", func(t *testing.T) {
		verdict, _ := aggregateOutcomes([]runOutcome{runReproduced, runNotReproduced})
		assert.Equal(t, NotReproduced, verdict, "Tie between even attempts has to resolve conservatively")
	})

	t.Run("All runs discarded yields ignored", func(t *testing.T) {
		verdict, confidence := aggregateOutcomes([]runOutcome{runDiscarded, runDiscarded, runDiscarded})
		assert.Equal(t, Ignored, verdict)
		assert.Zero(t, confidence)
	})

	t.Run("Discarded runs do not dilute the vote", func(t *testing.T) {
		verdict, confidence := aggregateOutcomes([]runOutcome{runDiscarded, runReproduced, runDiscarded})
		assert.Equal(t, Reproduced, verdict)
		assert.Equal(t, 1.0, confidence)
	})

	t.Run("Verdict is invariant under run reordering", func(t *testing.T) {
		outcomes := []runOutcome{runReproduced, runNotReproduced, runReproduced, runDiscarded, runNotReproduced, runReproduced}

		wantVerdict, wantConfidence := aggregateOutcomes(outcomes)

		// Rotate through all cyclic permutations
		for i := 1; i < len(outcomes); i++ {
			rotated := append(append([]runOutcome{}, outcomes[i:]...), outcomes[:i]...)
			verdict, confidence := aggregateOutcomes(rotated)
			assert.Equal(t, wantVerdict, verdict, "Verdict changed under reordering")
			assert.Equal(t, wantConfidence, confidence, "Confidence changed under reordering")
		}
	})
}

func TestSignatureMatches(t *testing.T) {
	values := []struct {
		got, want string
		matches   bool
	}{
		{"SUMMARY: ASan: heap-use-after-free in foo()", "heap-use-after-free", true},
		{"heap-use-after-free", "SUMMARY: ASan: heap-use-after-free in foo()", true},
		{"stack-overflow", "heap-use-after-free", false},
		{"", "", true},
		{"heap-use-after-free", "", false},
	}

	for _, v := range values {
		assert.Equal(t, v.matches, signatureMatches(v.got, v.want), "Wrong match for %q vs %q", v.got, v.want)
	}
}
