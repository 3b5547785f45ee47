// Package block maps wall-clock time onto the 144 ten-minute departure
// blocks of a UTC day.
package block

import "time"

const (
	// Count is the number of blocks in one day
	Count = 144
	// Duration is the length of one block
	Duration = 10 * time.Minute
)

// FromTime returns the block containing t
func FromTime(t time.Time) int {
	t = t.UTC()
	minutes := t.Hour()*60 + t.Minute()
	return (minutes / 10) % Count
}

// ToTime returns the start of block b on the UTC day of ref
func ToTime(b int, ref time.Time) time.Time {
	ref = ref.UTC()
	midnight := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(time.Duration(Normalize(b)) * Duration)
}

// Nearest returns the start of the occurrence of block b closest to ref.
// Blocks wrap at midnight, so block 0 seen from 23:55 is tomorrow's.
func Nearest(b int, ref time.Time) time.Time {
	start := ToTime(b, ref)
	diff := start.Sub(ref)
	switch {
	case diff > 12*time.Hour:
		return start.Add(-24 * time.Hour)
	case diff <= -12*time.Hour:
		return start.Add(24 * time.Hour)
	}
	return start
}

// End returns the end of the block that starts at start
func End(start time.Time) time.Time {
	return start.Add(Duration)
}

// Distance is the number of blocks to step forward from "from" to reach "to"
func Distance(from, to int) int {
	return ((to-from)%Count + Count) % Count
}

// Normalize wraps b into [0, Count)
func Normalize(b int) int {
	return ((b % Count) + Count) % Count
}

// Valid reports whether b is a block index
func Valid(b int) bool {
	return b >= 0 && b < Count
}
