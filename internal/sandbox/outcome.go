package sandbox

import (
	"strings"

	"github.com/DominicWuest/bugmon/pkg/bugmon"
)

// Markers whose line carries the crash signature. Sanitizers print a SUMMARY
// line, debug builds print assertion failures, the kernel's signal report
// covers plain segfaults.
var signatureMarkers = []string{
	"SUMMARY: ",
	"Assertion failure: ",
	"Assertion failed: ",
	"Segmentation fault",
}

// parseOutcome classifies a run's combined output and exit code into a raw
// outcome. A clean exit means the testcase ran to completion without
// triggering the crash; any abnormal exit is reported as crashed, with the
// signature taken from the first recognized marker line.
func parseOutcome(out string, exitCode int64) bugmon.RawOutcome {
	signature := extractSignature(out)

	if exitCode == 0 && signature == "" {
		return bugmon.RawOutcome{}
	}

	return bugmon.RawOutcome{
		Crashed:   true,
		Signature: signature,
	}
}

// extractSignature returns the signature of the first recognized crash marker
// in the output, or an empty string if none is present.
func extractSignature(out string) string {
	for _, line := range strings.Split(out, "\n") {
		for _, marker := range signatureMarkers {
			if idx := strings.Index(line, marker); idx != -1 {
				return strings.TrimSpace(line[idx:])
			}
		}
	}
	return ""
}
