/**
 * @description
 * This package centralizes the academic calendar math that the rest of the
 * service depends on: which school year and semester a wall-clock date falls
 * in, and whether a date is inside the end-of-year promotion window.
 *
 * @notes
 * - Semester boundaries: June-October is 1st Sem, November-March is 2nd Sem,
 *   April-May is Summer. The school year runs June through May, so February
 *   2026 belongs to school year "2025-2026".
 * - Every call site must use this package; duplicated inline month-range
 *   checks are what caused the calendar drift this replaces.
 */

package term

import (
	"fmt"
	"time"
)

// Semester names.
const (
	SemesterFirst  = "1st Sem"
	SemesterSecond = "2nd Sem"
	SemesterSummer = "Summer"
)

// Term identifies one academic term.
type Term struct {
	SchoolYear string // e.g. "2025-2026"
	Semester   string // e.g. "1st Sem"
}

// String renders the term the way statements group it, e.g. "2025-2026 1st Sem".
func (t Term) String() string {
	return t.SchoolYear + " " + t.Semester
}

// Current returns the academic term a date falls in.
func Current(at time.Time) Term {
	return Term{
		SchoolYear: SchoolYear(at),
		Semester:   Semester(at),
	}
}

// Semester maps a date's month to its semester.
func Semester(at time.Time) string {
	switch m := at.Month(); {
	case m >= time.June && m <= time.October:
		return SemesterFirst
	case m >= time.November || m <= time.March:
		return SemesterSecond
	default:
		return SemesterSummer
	}
}

// SchoolYear returns the "YYYY-YYYY" school year containing the date. The
// year rolls over in June; January through May belong to the school year
// that started the previous June.
func SchoolYear(at time.Time) string {
	start := at.Year()
	if at.Month() < time.June {
		start--
	}
	return fmt.Sprintf("%d-%d", start, start+1)
}

// InPromotionWindow reports whether the date falls in the end-of-school-year
// window in which zero-balance students may be promoted. Months are 1-based;
// a zero startMonth/endMonth selects the default May-June window.
func InPromotionWindow(at time.Time, startMonth, endMonth int) bool {
	if startMonth < 1 || startMonth > 12 {
		startMonth = int(time.May)
	}
	if endMonth < 1 || endMonth > 12 {
		endMonth = int(time.June)
	}
	m := int(at.Month())
	if startMonth <= endMonth {
		return m >= startMonth && m <= endMonth
	}
	// window wraps the year end
	return m >= startMonth || m <= endMonth
}

// TermStart returns the nominal start of a school year, August 1 of the
// opening year. Payment term due dates are offset from this anchor.
func TermStart(schoolYear string) time.Time {
	var start, end int
	if _, err := fmt.Sscanf(schoolYear, "%d-%d", &start, &end); err != nil || start < 1900 {
		start = time.Now().UTC().Year()
	}
	return time.Date(start, time.August, 1, 0, 0, 0, 0, time.UTC)
}
