/**
 * @description
 * This package implements the account identifier scheme: ACC-YYYYMMDD-NNNN,
 * the date of creation followed by a zero-padded daily sequence. Identifiers
 * are globally unique, human-readable, and immutable once assigned.
 *
 * The functions here are pure; reserving an identifier against concurrent
 * creations is the store's job (row lock plus bounded retry inside one
 * database transaction).
 */

package identifier

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// prefix marker for every account identifier.
	marker = "ACC"

	// MaxPerDay is the largest sequence number the scheme can represent for
	// one calendar day.
	MaxPerDay = 9999

	// DefaultMaxAttempts bounds the reserve-and-retry loop during allocation.
	DefaultMaxAttempts = 100
)

// Pattern matches every well-formed account identifier.
var Pattern = regexp.MustCompile(`^ACC-\d{8}-\d{4}$`)

// ErrSequenceOverflow is returned when a day's sequence space is exhausted.
var ErrSequenceOverflow = errors.New("identifier: daily sequence space exhausted")

// Prefix returns the date-scoped prefix (including the trailing dash) for
// identifiers created on the given day, e.g. "ACC-20250115-".
func Prefix(date time.Time) string {
	return fmt.Sprintf("%s-%s-", marker, date.Format("20060102"))
}

// Format builds the identifier for the given day and sequence number.
func Format(date time.Time, seq int) (string, error) {
	if seq < 1 || seq > MaxPerDay {
		return "", ErrSequenceOverflow
	}
	return fmt.Sprintf("%s%04d", Prefix(date), seq), nil
}

// Valid reports whether id is a well-formed account identifier.
func Valid(id string) bool {
	return Pattern.MatchString(id)
}

// Sequence extracts the numeric suffix from an identifier. Returns 0 for a
// malformed identifier so callers seeding a counter can treat it as "none".
func Sequence(id string) int {
	if !Valid(id) {
		return 0
	}
	n, err := strconv.Atoi(id[len(id)-4:])
	if err != nil {
		return 0
	}
	return n
}

// Next returns the identifier following id within the same day.
func Next(id string) (string, error) {
	if !Valid(id) {
		return "", fmt.Errorf("identifier: malformed identifier %q", id)
	}
	seq := Sequence(id)
	if seq >= MaxPerDay {
		return "", ErrSequenceOverflow
	}
	return fmt.Sprintf("%s%04d", id[:len(id)-4], seq+1), nil
}

// First returns the first candidate for a day with no existing identifiers.
func First(date time.Time) string {
	id, _ := Format(date, 1)
	return id
}

// SameDay reports whether id carries the given day's prefix.
func SameDay(id string, date time.Time) bool {
	return strings.HasPrefix(id, Prefix(date))
}
