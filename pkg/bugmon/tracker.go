package bugmon

import "context"

// A TrackerClient is the consumed boundary to the bug tracker. Implementations
// provide at-least-once delivery: updates are idempotent when keyed by bug id
// and range, so a retried call must not corrupt tracker state.
type TrackerClient interface {
	// FetchBug loads the bug's current tracker state, including its read-only
	// comment history and any previously recorded ranges.
	FetchBug(ctx context.Context, id int) (*Bug, error)

	// PostComment appends a comment to the bug.
	PostComment(ctx context.Context, id int, text string) error

	// UpdateStatus changes the bug's tracker status.
	UpdateStatus(ctx context.Context, id int, status string) error

	// UpdateWhiteboard replaces the bug's whiteboard, carrying command changes.
	UpdateWhiteboard(ctx context.Context, id int, whiteboard string) error

	// UpdateRange records a completed bisection on the bug. fix distinguishes
	// a fix range from a regression range.
	UpdateRange(ctx context.Context, id int, rng RevRange, fix bool) error
}
