package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned when a command line does not have the fields its
// tag requires.
var ErrMalformed = errors.New("protocol: malformed command")

// Command is a parsed text line: the tag before the first separator and the
// untouched remainder.
type Command struct {
	Tag  string
	Rest string
	Raw  string
}

// Parse splits a line into its tag and remainder. A line with no separator is
// a bare tag.
func Parse(line string) (Command, error) {
	tag, rest, _ := strings.Cut(line, FieldSeparator)
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Command{}, fmt.Errorf("%w: empty tag", ErrMalformed)
	}
	return Command{Tag: tag, Rest: rest, Raw: line}, nil
}

// Args splits the remainder into exactly n fields. The last field keeps any
// further separators, so free text (message bodies, base64 data) may contain
// colons.
func (c Command) Args(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	fields := strings.SplitN(c.Rest, FieldSeparator, n)
	if len(fields) < n {
		return nil, fmt.Errorf("%w: %s needs %d fields, got %d", ErrMalformed, c.Tag, n, len(fields))
	}
	return fields, nil
}

// ArgsTail is Args for commands that end with an id after a free-text field:
// the last separator-delimited token is split off first and returned as tail.
func (c Command) ArgsTail(n int) ([]string, string, error) {
	i := strings.LastIndex(c.Rest, FieldSeparator)
	if i < 0 {
		return nil, "", fmt.Errorf("%w: %s has no trailing field", ErrMalformed, c.Tag)
	}
	head := Command{Tag: c.Tag, Rest: c.Rest[:i], Raw: c.Raw}
	fields, err := head.Args(n)
	if err != nil {
		return nil, "", err
	}
	return fields, c.Rest[i+1:], nil
}

// Sub treats the first field of the remainder as a sub-command, as in
// FILE_TRANSFER:START:... and CALL_SIGNAL:incoming_call:....
func (c Command) Sub() (string, Command) {
	action, rest, _ := strings.Cut(c.Rest, FieldSeparator)
	return action, Command{Tag: c.Tag, Rest: rest, Raw: c.Raw}
}

// ParseID parses a numeric message or group id.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", ErrMalformed, s)
	}
	return id, nil
}

// ParseCount parses a non-negative chunk count or index.
func ParseCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad count %q", ErrMalformed, s)
	}
	return n, nil
}

// ParseTimestamp parses fractional Unix seconds.
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, s)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))), nil
}

// FormatTimestamp renders t as fractional Unix seconds.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', 6, 64)
}

// FormatID renders a numeric id.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
