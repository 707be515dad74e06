package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"unicode/utf8"
)

// Default limits used when a Decoder is built with non-positive values.
const (
	DefaultMaxLineSize   = 64 * 1024
	DefaultMaxBinarySize = 1 << 20
)

var (
	// ErrLineTooLong is returned when a text line exceeds the configured limit.
	// The offending line is discarded up to its newline.
	ErrLineTooLong = errors.New("protocol: line exceeds maximum size")
	// ErrBinaryTooLarge is returned when a binary payload exceeds the limit.
	// The payload is skipped.
	ErrBinaryTooLarge = errors.New("protocol: binary payload exceeds maximum size")
	// ErrBadBinaryHeader is returned for a BINARY header without a valid length.
	ErrBadBinaryHeader = errors.New("protocol: malformed binary header")
	// ErrInvalidText is returned for a line that is not valid UTF-8.
	ErrInvalidText = errors.New("protocol: line is not valid UTF-8")
)

// IsRecoverable reports whether a Decoder can keep reading after err.
// Everything else (I/O errors, EOF) ends the stream.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrLineTooLong) ||
		errors.Is(err, ErrBinaryTooLarge) ||
		errors.Is(err, ErrBadBinaryHeader) ||
		errors.Is(err, ErrInvalidText)
}

var binaryPrefix = []byte(TagBinary + FieldSeparator)

// Decoder splits a byte stream into frames. It tolerates frames split across
// reads and many frames per read; a trailing partial line stays buffered
// until the rest arrives.
type Decoder struct {
	r         *bufio.Reader
	maxLine   int
	maxBinary int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, maxLine, maxBinary int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	if maxBinary <= 0 {
		maxBinary = DefaultMaxBinarySize
	}
	return &Decoder{
		r:         bufio.NewReaderSize(r, 4096),
		maxLine:   maxLine,
		maxBinary: maxBinary,
	}
}

// Next returns the next frame. Empty lines are skipped.
func (d *Decoder) Next() (Frame, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return Frame{}, err
		}
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, binaryPrefix) {
			return d.readBinary(line[len(binaryPrefix):])
		}
		if !utf8.Valid(line) {
			return Frame{}, ErrInvalidText
		}
		return Text(string(line)), nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLong {
			// room for a trailing "\r\n"; the content is checked after trimming
			if len(buf)+len(chunk) > d.maxLine+2 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		// A partial line at EOF is never delivered.
		return nil, err
	}
	if tooLong {
		return nil, ErrLineTooLong
	}
	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	if len(buf) > d.maxLine {
		return nil, ErrLineTooLong
	}
	return buf, nil
}

func (d *Decoder) readBinary(length []byte) (Frame, error) {
	n, err := strconv.Atoi(string(length))
	if err != nil || n < 0 {
		return Frame{}, ErrBadBinaryHeader
	}
	if n > d.maxBinary {
		if _, err := io.CopyN(io.Discard, d.r, int64(n)); err != nil {
			return Frame{}, err
		}
		return Frame{}, ErrBinaryTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Frame{}, err
	}
	return Binary(payload), nil
}
