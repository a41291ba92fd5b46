package bugmon

import (
	"fmt"
	"strings"
)

// The Status Reporter renders monitor output into tracker-facing text. All
// functions here are pure formatting; posting and its failures are the
// tracker client's concern.

// RenderComment assembles the queued report lines into one tracker comment.
// Returns an empty string if there is nothing to post.
func RenderComment(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return "Bugmon Analysis:\n" + strings.Join(lines, "\n")
}

// RenderBisection renders a converged bisection into report lines.
func RenderBisection(result *BisectionResult) []string {
	verb := "introduced"
	if result.FindFix {
		verb = "fixed"
	}
	return []string{
		fmt.Sprintf("The bug appears to have been %s in the following build range:", verb),
		fmt.Sprintf("> Start: %s (%s)", result.LastGood.Revision, result.LastGood),
		fmt.Sprintf("> End: %s (%s)", result.FirstBad.Revision, result.FirstBad),
		fmt.Sprintf("> Builds tested: %d, boundary confirmations: %d", result.BuildsTested, result.Confirmations),
	}
}

// RenderInconclusive renders a failed bisection into report lines explaining
// what was attempted and why it stopped.
func RenderInconclusive(err *InconclusiveError, flags BuildFlags) []string {
	return []string{
		fmt.Sprintf("Failed to bisect testcase (%s):", err.Reason),
		fmt.Sprintf("> Start: %s", err.Good),
		fmt.Sprintf("> End: %s", err.Bad),
		fmt.Sprintf("> BuildFlags: %s", flags),
		"The bug needs manual review.",
	}
}
