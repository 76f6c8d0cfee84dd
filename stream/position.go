package stream

import (
	"strconv"
	"strings"
)

// Position is a sequence token within a partition. Tokens are decimal strings
// (kafka offsets, kinesis sequence numbers) and grow monotonically. The empty
// Position means no position.
type Position string

// OffsetPosition formats an integer offset as a Position
func OffsetPosition(offset int64) Position {
	return Position(strconv.FormatInt(offset, 10))
}

// Offset parses the position as an integer offset
func (p Position) Offset() (int64, error) {
	return strconv.ParseInt(string(p), 10, 64)
}

func (p Position) IsZero() bool {
	return p == ""
}

func (p Position) String() string {
	if p == "" {
		return "<none>"
	}
	return string(p)
}

// ComparePositions orders two tokens numerically. It returns -1 if a < b, 0 if
// they are equal and +1 if a > b. The empty position sorts before everything.
func ComparePositions(a, b Position) int {
	as := strings.TrimLeft(string(a), "0")
	bs := strings.TrimLeft(string(b), "0")

	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}

	if len(as) != len(bs) {
		if len(as) < len(bs) {
			return -1
		}
		return 1
	}

	return strings.Compare(as, bs)
}

// InitialPosition selects where a partition without a checkpoint is read from
type InitialPosition int

const (
	Earliest InitialPosition = iota
	Latest
)

func (p InitialPosition) String() string {
	switch p {
	case Earliest:
		return "earliest"
	case Latest:
		return "latest"
	default:
		return "unknown"
	}
}

// ParseInitialPosition accepts earliest/latest and the kinesis style aliases
func ParseInitialPosition(s string) (InitialPosition, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "earliest", "oldest", "trim_horizon":
		return Earliest, true
	case "latest", "newest":
		return Latest, true
	default:
		return Earliest, false
	}
}

// Cursor describes where the next read of a partition starts. After and At are
// mutually exclusive, when both are empty Initial applies.
type Cursor struct {
	// After reads strictly after the given position
	After Position
	// At reads starting at the given position, inclusive
	At Position
	// Initial is used when neither After nor At is set
	Initial InitialPosition
}

// AfterPosition returns a cursor reading strictly after p
func AfterPosition(p Position) Cursor {
	return Cursor{After: p}
}

// AtPosition returns a cursor reading from p inclusive
func AtPosition(p Position) Cursor {
	return Cursor{At: p}
}

// FromInitial returns a cursor for a partition without a checkpoint
func FromInitial(initial InitialPosition) Cursor {
	return Cursor{Initial: initial}
}

func (c Cursor) String() string {
	switch {
	case c.After != "":
		return "after:" + string(c.After)
	case c.At != "":
		return "at:" + string(c.At)
	default:
		return c.Initial.String()
	}
}
