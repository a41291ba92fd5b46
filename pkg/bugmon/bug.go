package bugmon

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	revPattern     = regexp.MustCompile(`(?i)^([a-f0-9]{12}|[a-f0-9]{40})$`)
	buildIDPattern = regexp.MustCompile(`(?i)^([0-9]{8})-([a-f0-9]{12})$`)
	tokenPattern   = regexp.MustCompile(`[A-Za-z0-9_-]+`)
	commandPattern = regexp.MustCompile(`\[bugmon:([^\]]*)\]`)
	envPattern     = regexp.MustCompile(`(?i)^([a-z0-9_]+)=([a-z0-9:/._-]+)$`)
)

// Resolutions for which no monitoring action is meaningful.
var unsupportedResolutions = map[string]bool{
	"DUPLICATE":  true,
	"INVALID":    true,
	"WORKSFORME": true,
	"WONTFIX":    true,
}

// A Comment is one read-only tracker comment on a bug.
type Comment struct {
	Author       string
	Text         string
	CreationTime time.Time
}

// A Bug is the typed view of one tracker-reported defect. It is read from the
// tracker at the start of a pass and owned by the driving Monitor until the
// pass finishes. Recorded ranges are only ever replaced by completed
// bisections, never partially updated.
type Bug struct {
	ID        int
	Product   string
	Component string

	Status     string // Tracker status, e.g. NEW, ASSIGNED, RESOLVED, VERIFIED
	Resolution string // Tracker resolution, e.g. FIXED, set when resolved

	Whiteboard string   // Free-form tracker whiteboard, carries bugmon commands
	Keywords   []string // Tracker keywords, bugs are enrolled via "bugmon"

	Version      int       // Version the bug was filed against
	CreationTime time.Time // When the bug was filed
	LastChange   time.Time // When the bug was last modified

	Branch    string // Target branch, resolved from Version by the tracker client
	Testcase  string // Reference to the testcase, interpreted by the harness
	Signature string // Expected crash signature, empty accepts any crash

	CommentZero string    // The bug's description
	Comments    []Comment // Read-only comment history

	RegressionRange *RevRange // Recorded regression range from a previous bisection
	FixRange        *RevRange // Recorded fix range from a previous fix-bisection
}

// Validate checks the invariants of the bug's recorded state.
func (b *Bug) Validate() error {
	if b.Testcase == "" {
		return ErrNoTestcase
	}
	if b.Branch == "" {
		return ErrUnsupportedBranch
	}
	if b.RegressionRange != nil {
		if err := b.RegressionRange.Validate(); err != nil {
			return fmt.Errorf("invalid regression range: %w", err)
		}
	}
	if b.FixRange != nil {
		if err := b.FixRange.Validate(); err != nil {
			return fmt.Errorf("invalid fix range: %w", err)
		}
	}
	return nil
}

// SupportedResolution reports whether the bug's resolution still permits
// monitoring. Duplicates and invalid bugs are dropped from analysis.
func (b *Bug) SupportedResolution() bool {
	return !unsupportedResolutions[b.Resolution]
}

// Open reports whether the tracker currently considers the bug unresolved.
func (b *Bug) Open() bool {
	return b.Resolution == ""
}

// Commands extracts the bugmon command list from the whiteboard. Commands are
// stored as "[bugmon:confirmed,origRev=0f33ba5d2c6a]", i.e. a comma separated
// list of words or key=value pairs.
func (b *Bug) Commands() map[string]string {
	commands := make(map[string]string)
	match := commandPattern.FindStringSubmatch(b.Whiteboard)
	if match == nil {
		return commands
	}
	for _, command := range strings.Split(match[1], ",") {
		if command == "" {
			continue
		}
		if name, value, found := strings.Cut(command, "="); found {
			commands[name] = value
		} else {
			commands[command] = ""
		}
	}
	return commands
}

// SetCommands rewrites the whiteboard's bugmon command list. An empty map
// removes the bracket group entirely.
func (b *Bug) SetCommands(commands map[string]string) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		if value := commands[name]; value != "" {
			parts = append(parts, name+"="+value)
		} else {
			parts = append(parts, name)
		}
	}

	if len(parts) == 0 {
		b.Whiteboard = commandPattern.ReplaceAllString(b.Whiteboard, "")
		return
	}

	group := "[bugmon:" + strings.Join(parts, ",") + "]"
	if commandPattern.MatchString(b.Whiteboard) {
		b.Whiteboard = commandPattern.ReplaceAllString(b.Whiteboard, group)
	} else {
		b.Whiteboard += group
	}
}

// AddCommand adds a single bugmon command to the whiteboard.
func (b *Bug) AddCommand(name, value string) {
	commands := b.Commands()
	commands[name] = value
	b.SetCommands(commands)
}

// RemoveCommand removes a single bugmon command from the whiteboard.
func (b *Bug) RemoveCommand(name string) {
	commands := b.Commands()
	delete(commands, name)
	b.SetCommands(commands)
}

// NeedsConfirm reports whether the bug is eligible for reproduction
// confirmation against the branch tip. Already confirmed bugs stay eligible,
// they are revalidated each pass and reminded about when they go stale.
func (b *Bug) NeedsConfirm() bool {
	if _, ok := b.Commands()["confirm"]; ok {
		return true
	}
	switch b.Status {
	case "ASSIGNED", "NEW", "UNCONFIRMED", "REOPENED":
		return true
	}
	return false
}

// NeedsVerify reports whether the bug's claimed fix should be verified.
func (b *Bug) NeedsVerify() bool {
	commands := b.Commands()
	if _, ok := commands["verified"]; ok {
		return false
	}
	if _, ok := commands["verify"]; ok {
		return true
	}
	return b.Status == "RESOLVED" && b.Resolution == "FIXED"
}

// NeedsBisect reports whether an explicit bisection was requested.
func (b *Bug) NeedsBisect() bool {
	commands := b.Commands()
	if _, ok := commands["bisected"]; ok {
		return false
	}
	_, ok := commands["bisect"]
	return ok
}

// InitialRevision returns the revision the bug was originally reported
// against. It prefers an explicit origRev command, then scans the description
// for a 12 or 40 character revision or a build identifier, and falls back to
// the bug's creation date, which the resolver maps to the nearest build.
func (b *Bug) InitialRevision() string {
	commands := b.Commands()
	if rev, ok := commands["origRev"]; ok && revPattern.MatchString(rev) {
		return rev
	}

	for _, token := range tokenPattern.FindAllString(b.CommentZero, -1) {
		if revPattern.MatchString(token) {
			return strings.ToLower(token)
		}
		if match := buildIDPattern.FindStringSubmatch(token); match != nil {
			return strings.ToLower(match[2])
		}
	}

	return b.CreationTime.Format("2006-01-02")
}

// EnvVariables extracts NAME=value tokens from the bug's description. These
// are passed through to the harness environment.
func (b *Bug) EnvVariables() map[string]string {
	variables := make(map[string]string)
	for _, token := range strings.Fields(b.CommentZero) {
		token = strings.Trim(token, "`")
		if match := envPattern.FindStringSubmatch(token); match != nil {
			variables[match[1]] = match[2]
		}
	}
	return variables
}

// BuildFlags describes the build configuration needed to reproduce a bug.
type BuildFlags struct {
	ASan    bool
	TSan    bool
	Debug   bool
	Fuzzing bool
}

func (f BuildFlags) String() string {
	var flags []string
	if f.ASan {
		flags = append(flags, "asan")
	}
	if f.TSan {
		flags = append(flags, "tsan")
	}
	if f.Debug {
		flags = append(flags, "debug")
	}
	if f.Fuzzing {
		flags = append(flags, "fuzzing")
	}
	if len(flags) == 0 {
		return "opt"
	}
	return strings.Join(flags, ",")
}

// SniffBuildFlags derives the required build configuration from tokens in the
// bug's description and keywords.
func (b *Bug) SniffBuildFlags() BuildFlags {
	return BuildFlags{
		ASan: strings.Contains(b.CommentZero, "AddressSanitizer") ||
			strings.Contains(b.CommentZero, "--enable-address-sanitizer"),
		TSan: strings.Contains(b.CommentZero, "ThreadSanitizer") ||
			strings.Contains(b.CommentZero, "--enable-thread-sanitizer"),
		Debug: strings.Contains(b.CommentZero, "--enable-debug") ||
			b.hasKeyword("assertion"),
		Fuzzing: strings.Contains(b.CommentZero, "--enable-fuzzing"),
	}
}

func (b *Bug) hasKeyword(keyword string) bool {
	for _, k := range b.Keywords {
		if k == keyword {
			return true
		}
	}
	return false
}

// BranchForVersion maps a version number to a branch alias, given the current
// central milestone. Returns an empty string for versions no monitored branch
// tracks anymore.
func BranchForVersion(version, central int) string {
	switch central - version {
	case 0:
		return "central"
	case 1:
		return "beta"
	case 2:
		return "release"
	}
	return ""
}
