package bugmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommands(t *testing.T) {
	t.Run("Parses commands from the whiteboard", func(t *testing.T) {
		bug := &Bug{Whiteboard: "[fuzzblocker][bugmon:confirmed,origRev=0f33ba5d2c6a1fb2]"}

		commands := bug.Commands()

		assert.Equal(t, "", commands["confirmed"], "Bare command should map to an empty value")
		assert.Equal(t, "0f33ba5d2c6a1fb2", commands["origRev"], "Mismatch in command value")
		assert.Len(t, commands, 2)
	})

	t.Run("Missing command group yields no commands", func(t *testing.T) {
		bug := &Bug{Whiteboard: "[fuzzblocker]"}

		assert.Empty(t, bug.Commands())
	})

	t.Run("AddCommand inserts a new command group", func(t *testing.T) {
		bug := &Bug{Whiteboard: "[fuzzblocker]"}

		bug.AddCommand("confirmed", "")

		assert.Equal(t, "[fuzzblocker][bugmon:confirmed]", bug.Whiteboard)
	})

	t.Run("AddCommand updates an existing command group", func(t *testing.T) {
		bug := &Bug{Whiteboard: "[bugmon:confirm]"}

		bug.AddCommand("confirmed", "")
		bug.RemoveCommand("confirm")

		assert.Equal(t, "[bugmon:confirmed]", bug.Whiteboard)
	})

	t.Run("Removing the last command removes the group", func(t *testing.T) {
		bug := &Bug{Whiteboard: "prefix[bugmon:confirmed]suffix"}

		bug.RemoveCommand("confirmed")

		assert.Equal(t, "prefixsuffix", bug.Whiteboard)
	})
}

func TestEligibility(t *testing.T) {
	t.Run("Open statuses need confirmation", func(t *testing.T) {
		for _, status := range []string{"ASSIGNED", "NEW", "UNCONFIRMED", "REOPENED"} {
			bug := &Bug{Status: status}
			assert.True(t, bug.NeedsConfirm(), "Status %s should need confirmation", status)
		}
	})

	t.Run("Confirmed bugs stay eligible for revalidation", func(t *testing.T) {
		bug := &Bug{Status: "NEW", Whiteboard: "[bugmon:confirmed]"}
		assert.True(t, bug.NeedsConfirm())
	})

	t.Run("Fixed bugs need verification", func(t *testing.T) {
		bug := &Bug{Status: "RESOLVED", Resolution: "FIXED"}
		assert.True(t, bug.NeedsVerify())
		assert.False(t, bug.NeedsConfirm())
	})

	t.Run("Verified command suppresses verification", func(t *testing.T) {
		bug := &Bug{Status: "RESOLVED", Resolution: "FIXED", Whiteboard: "[bugmon:verified]"}
		assert.False(t, bug.NeedsVerify())
	})

	t.Run("Bisect requires an explicit command", func(t *testing.T) {
		assert.False(t, (&Bug{Status: "NEW"}).NeedsBisect())
		assert.True(t, (&Bug{Whiteboard: "[bugmon:bisect]"}).NeedsBisect())
		assert.False(t, (&Bug{Whiteboard: "[bugmon:bisect,bisected]"}).NeedsBisect())
	})

	t.Run("Unsupported resolutions are rejected", func(t *testing.T) {
		for _, resolution := range []string{"DUPLICATE", "INVALID", "WORKSFORME", "WONTFIX"} {
			bug := &Bug{Resolution: resolution}
			assert.False(t, bug.SupportedResolution(), "Resolution %s should not be supported", resolution)
		}
		assert.True(t, (&Bug{Resolution: "FIXED"}).SupportedResolution())
	})
}

func TestInitialRevision(t *testing.T) {
	values := []struct {
		name string
		bug  Bug
		want string
	}{
		{
			"origRev command takes precedence",
			Bug{
				Whiteboard:  "[bugmon:origRev=aabbccddeeff]",
				CommentZero: "Found with rev 0f33ba5d2c6a",
			},
			"aabbccddeeff",
		},
		{
			"12 character revision in the description",
			Bug{CommentZero: "The crash appeared on 0F33BA5D2C6A with the attached testcase"},
			"0f33ba5d2c6a",
		},
		{
			"40 character revision in the description",
			Bug{CommentZero: "Bisected to 0123456789abcdef0123456789abcdef01234567"},
			"0123456789abcdef0123456789abcdef01234567",
		},
		{
			"build identifier in the description",
			Bug{CommentZero: "Found on build 20240301-0f33ba5d2c6a"},
			"0f33ba5d2c6a",
		},
		{
			"falls back to the creation date",
			Bug{
				CommentZero:  "No revision mentioned here",
				CreationTime: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			},
			"2024-03-01",
		},
	}

	for _, v := range values {
		t.Run(v.name, func(t *testing.T) {
			assert.Equal(t, v.want, v.bug.InitialRevision())
		})
	}
}

func TestSniffBuildFlags(t *testing.T) {
	t.Run("Detects sanitizers and debug from the description", func(t *testing.T) {
		bug := &Bug{CommentZero: "Crash found on an AddressSanitizer build configured with --enable-debug --enable-fuzzing"}

		flags := bug.SniffBuildFlags()

		assert.True(t, flags.ASan)
		assert.False(t, flags.TSan)
		assert.True(t, flags.Debug)
		assert.True(t, flags.Fuzzing)
		assert.Equal(t, "asan,debug,fuzzing", flags.String())
	})

	t.Run("Assertion keyword implies a debug build", func(t *testing.T) {
		bug := &Bug{Keywords: []string{"assertion", "bugmon"}}

		assert.True(t, bug.SniffBuildFlags().Debug)
	})

	t.Run("Plain builds report opt", func(t *testing.T) {
		assert.Equal(t, "opt", (&Bug{}).SniffBuildFlags().String())
	})
}

func TestEnvVariables(t *testing.T) {
	bug := &Bug{CommentZero: "Run with `MOZ_GDB_SLEEP=2` and ASAN_OPTIONS=detect_leaks=0 to reproduce"}

	variables := bug.EnvVariables()

	assert.Equal(t, "2", variables["MOZ_GDB_SLEEP"])
	assert.NotContains(t, variables, "to")
}

func TestBranchForVersion(t *testing.T) {
	values := []struct {
		version, central int
		branch           string
	}{
		{125, 125, "central"},
		{124, 125, "beta"},
		{123, 125, "release"},
		{110, 125, ""},
		{126, 125, ""},
	}

	for _, v := range values {
		assert.Equal(t, v.branch, BranchForVersion(v.version, v.central), "Wrong branch for version %d", v.version)
	}
}

func TestRevRangeValidate(t *testing.T) {
	early := BuildHandle{Branch: "central", Revision: "rev1", Timestamp: day(1)}
	late := BuildHandle{Branch: "central", Revision: "rev2", Timestamp: day(2)}
	other := BuildHandle{Branch: "beta", Revision: "rev3", Timestamp: day(3)}

	assert.Nil(t, RevRange{Start: early, End: late}.Validate())
	assert.Error(t, RevRange{Start: late, End: early}.Validate(), "Reversed range has to be rejected")
	assert.Error(t, RevRange{Start: early, End: other}.Validate(), "Cross-branch range has to be rejected")
}

func TestBugValidate(t *testing.T) {
	bug := makeBug("central")
	assert.Nil(t, bug.Validate())

	bug.Testcase = ""
	assert.ErrorIs(t, bug.Validate(), ErrNoTestcase)

	bug = makeBug("")
	assert.ErrorIs(t, bug.Validate(), ErrUnsupportedBranch)
}
