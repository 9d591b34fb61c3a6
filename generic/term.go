package generic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// TERM - The billing period
// =============================================================================

// Term identifies a billing period by academic year and semester.
// Balances are ALWAYS computed per term, then carried forward in order.
//
// Examples:
//   - First semester 2025-2026:  {AcademicYear: "2025-2026", Semester: 1}
//   - Second semester 2025-2026: {AcademicYear: "2025-2026", Semester: 2}
type Term struct {
	AcademicYear string
	Semester     int
}

const (
	FirstSemester  = 1
	SecondSemester = 2
)

// NewTerm validates and builds a term.
func NewTerm(academicYear string, semester int) (Term, error) {
	t := Term{AcademicYear: strings.TrimSpace(academicYear), Semester: semester}
	if err := t.Validate(); err != nil {
		return Term{}, err
	}
	return t, nil
}

// MustTerm is NewTerm for fixtures; it panics on malformed input.
func MustTerm(academicYear string, semester int) Term {
	t, err := NewTerm(academicYear, semester)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTerm parses the String form "2025-2026/1".
func ParseTerm(s string) (Term, error) {
	ay, sem, ok := strings.Cut(s, "/")
	if !ok {
		return Term{}, &TermError{Input: s, Reason: "expected <academic-year>/<semester>"}
	}
	n, err := strconv.Atoi(sem)
	if err != nil {
		return Term{}, &TermError{Input: s, Reason: "semester is not a number"}
	}
	return NewTerm(ay, n)
}

// Validate checks the academic year is "YYYY-YYYY" with consecutive years
// and the semester is 1 or 2.
func (t Term) Validate() error {
	if t.Semester != FirstSemester && t.Semester != SecondSemester {
		return &TermError{Input: t.String(), Reason: "semester must be 1 or 2"}
	}
	from, to, ok := strings.Cut(t.AcademicYear, "-")
	if !ok || len(from) != 4 || len(to) != 4 {
		return &TermError{Input: t.String(), Reason: "academic year must look like 2025-2026"}
	}
	y1, err1 := strconv.Atoi(from)
	y2, err2 := strconv.Atoi(to)
	if err1 != nil || err2 != nil || y2 != y1+1 {
		return &TermError{Input: t.String(), Reason: "academic year must span two consecutive years"}
	}
	return nil
}

// Compare orders terms chronologically: academic year lexicographically,
// then semester ascending. Returns -1, 0 or 1.
func (t Term) Compare(o Term) int {
	if c := strings.Compare(t.AcademicYear, o.AcademicYear); c != 0 {
		return c
	}
	switch {
	case t.Semester < o.Semester:
		return -1
	case t.Semester > o.Semester:
		return 1
	}
	return 0
}

func (t Term) Before(o Term) bool { return t.Compare(o) < 0 }
func (t Term) After(o Term) bool  { return t.Compare(o) > 0 }
func (t Term) Equal(o Term) bool  { return t.Compare(o) == 0 }
func (t Term) IsZero() bool       { return t.AcademicYear == "" && t.Semester == 0 }

// String returns "2025-2026/1".
func (t Term) String() string {
	return fmt.Sprintf("%s/%d", t.AcademicYear, t.Semester)
}

// Label returns a display label such as "AY 2025-2026, 1st Semester".
func (t Term) Label() string {
	suffix := "1st"
	if t.Semester == SecondSemester {
		suffix = "2nd"
	}
	return "AY " + t.AcademicYear + ", " + suffix + " Semester"
}

// Next returns the term that follows t.
func (t Term) Next() Term {
	if t.Semester == FirstSemester {
		return Term{AcademicYear: t.AcademicYear, Semester: SecondSemester}
	}
	from, _, _ := strings.Cut(t.AcademicYear, "-")
	y, _ := strconv.Atoi(from)
	return Term{AcademicYear: fmt.Sprintf("%d-%d", y+1, y+2), Semester: FirstSemester}
}

// SortTerms sorts in place, oldest first.
func SortTerms(terms []Term) {
	sort.Slice(terms, func(i, j int) bool { return terms[i].Before(terms[j]) })
}

// DistinctTerms returns the unique terms of the input in chronological order.
func DistinctTerms(terms []Term) []Term {
	seen := make(map[Term]bool, len(terms))
	out := make([]Term, 0, len(terms))
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	SortTerms(out)
	return out
}
