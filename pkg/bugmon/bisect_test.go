package bugmon

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestBisector(resolver *ManifestResolver, harness Harness, config *Config) *Bisector {
	return NewBisector(resolver, NewTester(harness, config, nil), config, nil)
}

func resolve(t *testing.T, resolver *ManifestResolver, branch, revision string) BuildHandle {
	build, err := resolver.Resolve(context.Background(), branch, revision)
	assert.Nil(t, err, "couldn't resolve fixture build %s", revision)
	return build
}

func TestBisect(t *testing.T) {
	t.Run("Converges to the introducing build in logarithmic rounds", func(t *testing.T) {
		// 8 daily builds, the crash appears on day 5
		resolver := makeResolver("central", 8)
		harness := newScriptedHarness(crashingFrom(day(5)))
		bisector := newTestBisector(resolver, harness, testConfig())

		result, err := bisector.Bisect(context.Background(), makeBug("central"),
			resolve(t, resolver, "central", "rev1"), resolve(t, resolver, "central", "rev8"), false)

		assert.Nil(t, err)
		assert.Equal(t, "rev4", result.LastGood.Revision)
		assert.Equal(t, "rev5", result.FirstBad.Revision)
		assert.Equal(t, 3, result.BuildsTested, "6 candidates have to converge in exactly 3 rounds")
		assert.Equal(t, 2, result.Confirmations)
		assert.False(t, result.FindFix)
	})

	t.Run("Adjacent bounds are confirmed and returned immediately", func(t *testing.T) {
		resolver := makeResolver("central", 2)
		harness := newScriptedHarness(crashingFrom(day(2)))
		bisector := newTestBisector(resolver, harness, testConfig())

		result, err := bisector.Bisect(context.Background(), makeBug("central"),
			resolve(t, resolver, "central", "rev1"), resolve(t, resolver, "central", "rev2"), false)

		assert.Nil(t, err)
		assert.Equal(t, "rev1", result.LastGood.Revision)
		assert.Equal(t, "rev2", result.FirstBad.Revision)
		assert.Zero(t, result.BuildsTested)
		assert.Equal(t, 2, result.Confirmations)
	})

	t.Run("Fix bisection skips an unusable build without narrowing bounds", func(t *testing.T) {
		// The crash is fixed on day 6, the day 5 build is unusable
		resolver := makeResolver("central", 8)
		harness := newScriptedHarness(crashingFrom(day(1)))
		for i := 6; i <= 8; i++ {
			harness.script[fmt.Sprintf("rev%d", i)] = []RawOutcome{{}}
		}
		harness.errRevs["rev5"] = true
		bisector := newTestBisector(resolver, harness, testConfig())

		result, err := bisector.Bisect(context.Background(), makeBug("central"),
			resolve(t, resolver, "central", "rev1"), resolve(t, resolver, "central", "rev8"), true)

		assert.Nil(t, err)
		assert.True(t, result.FindFix)
		assert.Equal(t, "rev4", result.LastGood.Revision, "Last reproducing build")
		assert.Equal(t, "rev6", result.FirstBad.Revision, "First fixed build, rev5 was unusable")
	})

	t.Run("Exhausted skip budget aborts as inconclusive", func(t *testing.T) {
		resolver := makeResolver("central", 8)
		harness := newScriptedHarness(crashingFrom(day(8)))
		for i := 2; i <= 7; i++ {
			harness.errRevs[fmt.Sprintf("rev%d", i)] = true
		}
		config := testConfig()
		config.SkipBudget = 3
		bisector := newTestBisector(resolver, harness, config)

		_, err := bisector.Bisect(context.Background(), makeBug("central"),
			resolve(t, resolver, "central", "rev1"), resolve(t, resolver, "central", "rev8"), false)

		var incErr *InconclusiveError
		assert.ErrorAs(t, err, &incErr, "Skip budget exhaustion has to surface as inconclusive")
	})

	t.Run("Falsified boundary widens instead of being returned", func(t *testing.T) {
		// The crash truly starts on day 4, but the day 4 build behaves clean
		// during the search and only crashes again during re-confirmation
		resolver := makeResolver("central", 8)
		harness := newScriptedHarness(crashingFrom(day(5)))
		harness.script["rev4"] = []RawOutcome{
			{}, {}, {},
			{Crashed: true, Signature: "SUMMARY: ASan: heap-use-after-free"},
		}
		bisector := newTestBisector(resolver, harness, testConfig())

		result, err := bisector.Bisect(context.Background(), makeBug("central"),
			resolve(t, resolver, "central", "rev1"), resolve(t, resolver, "central", "rev8"), false)

		assert.Nil(t, err)
		assert.Equal(t, "rev3", result.LastGood.Revision, "Boundary has to widen downwards after the mismatch")
		assert.Equal(t, "rev4", result.FirstBad.Revision)
	})

	t.Run("Boundary is never returned with falsified verdicts", func(t *testing.T) {
		// The boundary builds flip verdicts on every single run
		resolver := makeResolver("central", 4)
		harness := newScriptedHarness(neverCrashing)
		crash := RawOutcome{Crashed: true, Signature: "SUMMARY: ASan: heap-use-after-free"}
		for i := 1; i <= 4; i++ {
			harness.script[fmt.Sprintf("rev%d", i)] = []RawOutcome{crash, {}, crash, {}, crash, {}, crash, {}, crash, {}}
		}
		config := testConfig()
		config.Attempts = 1
		bisector := newTestBisector(resolver, harness, config)

		result, err := bisector.Bisect(context.Background(), makeBug("central"),
			resolve(t, resolver, "central", "rev1"), resolve(t, resolver, "central", "rev4"), false)

		if err == nil {
			// If the search converged despite the flakiness, the returned
			// boundary was re-confirmed decisively
			assert.NotNil(t, result)
		} else {
			var incErr *InconclusiveError
			assert.ErrorAs(t, err, &incErr, "A non-confirmable boundary has to be inconclusive, never silently wrong")
		}
	})

	t.Run("Endpoint missing from the branch history is fatal", func(t *testing.T) {
		resolver := makeResolver("central", 4)
		harness := newScriptedHarness(neverCrashing)
		bisector := newTestBisector(resolver, harness, testConfig())

		unknown := BuildHandle{Branch: "central", Revision: "deadbeef", Timestamp: day(100)}
		_, err := bisector.Bisect(context.Background(), makeBug("central"),
			resolve(t, resolver, "central", "rev1"), unknown, false)

		assert.ErrorIs(t, err, ErrBuildUnavailable)
	})

	t.Run("Round count stays within the logarithmic bound", func(t *testing.T) {
		for _, builds := range []int{3, 5, 10, 17, 34, 64} {
			for _, breakDay := range []int{2, builds/2 + 1, builds} {
				resolver := makeResolver("central", builds)
				harness := newScriptedHarness(crashingFrom(day(breakDay)))
				bisector := newTestBisector(resolver, harness, testConfig())

				result, err := bisector.Bisect(context.Background(), makeBug("central"),
					resolve(t, resolver, "central", "rev1"),
					resolve(t, resolver, "central", fmt.Sprintf("rev%d", builds)), false)

				assert.Nil(t, err, "bisection of %d builds breaking on day %d failed", builds, breakDay)

				between := builds - 2
				bound := int(math.Ceil(math.Log2(float64(between + 1))))
				assert.LessOrEqual(t, result.BuildsTested, bound,
					"%d builds breaking on day %d took %d rounds, bound is %d", builds, breakDay, result.BuildsTested, bound)
			}
		}
	})
}
