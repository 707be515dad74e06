// Package protocol implements the wire format shared by every relay channel:
// newline-terminated UTF-8 commands with colon-separated fields, plus
// explicitly length-framed binary payloads for audio.
//
// A binary payload is announced by a header line and followed by exactly
// that many raw bytes:
//
//	BINARY:<n>\n<n bytes>
//
// Text and binary are never told apart by trying to decode a read as UTF-8.
package protocol

import (
	"io"
	"strconv"
	"strings"
)

// FieldSeparator separates the tag and the fields of a command line.
const FieldSeparator = ":"

// Kind distinguishes text command frames from binary payload frames.
type Kind uint8

const (
	// KindText is a single command line without its trailing newline.
	KindText Kind = iota
	// KindBinary is an opaque payload announced by a BINARY header.
	KindBinary
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "text"
}

// Frame is one logical message on a channel.
type Frame struct {
	Kind    Kind
	Line    string
	Payload []byte
}

// Text returns a text frame carrying line.
func Text(line string) Frame {
	return Frame{Kind: KindText, Line: line}
}

// Binary returns a binary frame carrying payload. The slice is not copied.
func Binary(payload []byte) Frame {
	return Frame{Kind: KindBinary, Payload: payload}
}

// Line builds a text frame from a tag and its fields.
func Line(tag string, fields ...string) Frame {
	return Text(Join(tag, fields...))
}

// Join renders a tag and fields as a single command line.
func Join(tag string, fields ...string) string {
	if len(fields) == 0 {
		return tag
	}
	return tag + FieldSeparator + strings.Join(fields, FieldSeparator)
}

// IsBinary reports whether f carries a binary payload.
func (f Frame) IsBinary() bool {
	return f.Kind == KindBinary
}

// Size returns the number of content bytes, excluding framing.
func (f Frame) Size() int {
	if f.IsBinary() {
		return len(f.Payload)
	}
	return len(f.Line)
}

// Bytes returns the encoded frame as it appears on a stream transport.
func (f Frame) Bytes() []byte {
	if f.IsBinary() {
		header := TagBinary + FieldSeparator + strconv.Itoa(len(f.Payload)) + "\n"
		buf := make([]byte, 0, len(header)+len(f.Payload))
		buf = append(buf, header...)
		return append(buf, f.Payload...)
	}
	buf := make([]byte, 0, len(f.Line)+1)
	buf = append(buf, f.Line...)
	return append(buf, '\n')
}

// WriteTo writes the encoded frame to w.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Bytes())
	return int64(n), err
}
