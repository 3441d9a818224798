package agent

import (
	"bufio"
	"strconv"
	"strings"
)

// Marker prefixes the agent prints on stdout to report structured
// progress. Everything else on stdout is free-form transcript.
const (
	markerIssue     = "GADUGI-ISSUE:"
	markerPR        = "GADUGI-PR:"
	markerPhaseDone = "GADUGI-PHASE-DONE:"
)

// parseMarkers scans stdout for marker lines and fills the structured
// fields of the result. Later markers win, matching the agent's habit
// of re-printing the final numbers at the end of a run.
func parseMarkers(res *Result) {
	sc := bufio.NewScanner(strings.NewReader(res.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, markerIssue):
			if n, err := strconv.Atoi(markerValue(line, markerIssue)); err == nil {
				res.IssueNumber = n
			}
		case strings.HasPrefix(line, markerPR):
			if n, err := strconv.Atoi(markerValue(line, markerPR)); err == nil {
				res.PRNumber = n
			}
		case strings.HasPrefix(line, markerPhaseDone):
			if phase := markerValue(line, markerPhaseDone); phase != "" {
				res.PhasesReported = append(res.PhasesReported, phase)
			}
		}
	}
}

func markerValue(line, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, prefix))
}
