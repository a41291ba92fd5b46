/*
Package bugmon drives tracked crash bugs through their monitoring lifecycle:
it confirms whether a bug's testcase still reproduces on the current build of
its branch and, when the reproducibility status changed, bisects the build
history to find the revision that introduced or fixed the crash.

The entry point for a single bug is [Monitor.Process], which runs one pass:
confirmation against the branch tip, a conditional bisection, and the tracker
update. Batches of independent bugs are processed concurrently through
[Runner.Run], which returns a channel of [PassReport]-s, one per bug.

The package only consumes its environment through three interfaces: a
[TrackerClient] for bug state and updates, a [BuildResolver] for mapping
branches and revisions to runnable builds, and a [Harness] that executes a
testcase against one build and reports the raw outcome. [ManifestResolver]
and [LocalTracker] provide file-backed implementations of the first two; a
docker-backed harness lives in internal/sandbox.

Crash reproduction is a noisy oracle, so every classification is based on a
bounded number of attempts majority-voted into a [Verdict], and a bisection
never returns a boundary without re-confirming both of its sides. Searches
that cannot be driven to a trustworthy boundary fail with an
[InconclusiveError] instead of reporting a possibly wrong range.
*/
package bugmon
