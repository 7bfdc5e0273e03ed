package calendar

import (
	"regexp"
	"strings"

	"studyagent/internal/store"
)

// Assignment types produced by Classify.
const (
	TypeExam         = "exam"
	TypeQuiz         = "quiz"
	TypeAssignment   = "assignment"
	TypeProject      = "project"
	TypeLab          = "lab"
	TypePresentation = "presentation"
	TypeEvent        = "event"
)

// rules are checked in order; the first match wins.
var rules = []struct {
	typ string
	re  *regexp.Regexp
}{
	{TypeExam, regexp.MustCompile(`(?i)\b(exam|midterm|mid-term|test)s?\b`)},
	{TypeQuiz, regexp.MustCompile(`(?i)\bquiz(zes)?\b`)},
	{TypeProject, regexp.MustCompile(`(?i)\b(project|capstone)s?\b`)},
	{TypeLab, regexp.MustCompile(`(?i)\blab(oratory)?s?\b`)},
	{TypePresentation, regexp.MustCompile(`(?i)\b(presentation|pitch)s?\b`)},
	{TypeAssignment, regexp.MustCompile(`(?i)\b(assignment|homework|hw|essay|problem set|pset|report|paper|deadline|due)s?\b`)},
	{TypeExam, regexp.MustCompile(`(?i)\bfinals?\b`)},
}

var (
	bracketCourse = regexp.MustCompile(`^\s*\[([A-Za-z]{2,5}[ -]?\d{2,4}[A-Za-z]?)\]`)
	prefixCourse  = regexp.MustCompile(`^\s*([A-Za-z]{2,5}[ -]?\d{2,4}[A-Za-z]?)\s*[:|-]`)
	topicsLine    = regexp.MustCompile(`(?im)^\s*topics?\s*:\s*(.+)$`)
)

// Classify returns the assignment type for an event title and description.
// ok is false when nothing assignment-like was found.
func Classify(summary, description string) (typ string, ok bool) {
	for _, r := range rules {
		if r.re.MatchString(summary) {
			return r.typ, true
		}
	}
	for _, r := range rules {
		if r.re.MatchString(description) {
			return r.typ, true
		}
	}
	return TypeEvent, false
}

// ExtractCourse reads a course code from "CS101: ..." or "[CS 101] ..." titles.
func ExtractCourse(summary string) string {
	if m := bracketCourse.FindStringSubmatch(summary); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := prefixCourse.FindStringSubmatch(summary); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// ExtractTopics reads the "Topics:" line of a description. Entries are split
// on commas, semicolons and pipes; multi-word topics stay whole.
func ExtractTopics(description string) []string {
	m := topicsLine.FindStringSubmatch(description)
	if m == nil {
		return nil
	}
	parts := strings.FieldsFunc(m[1], func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
	return store.NormalizeTopics(parts)
}
