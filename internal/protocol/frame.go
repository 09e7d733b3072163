// Package protocol implements the LSNP wire format: ASCII header lines
// of the form "KEY: value", a blank line, and an optional binary body.
// One datagram carries exactly one frame.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxFrameSize caps an encoded frame at 64 KiB. Datagrams above this are
// rejected on both encode and decode.
const MaxFrameSize = 64 * 1024

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrBodySize       = errors.New("body shorter than SIZE")
	ErrMissingHeader  = errors.New("missing required header")
	ErrMissingBody    = errors.New("missing required body")
)

// Header is a single KEY: value line. Keys are case-sensitive.
type Header struct {
	Key   string
	Value string
}

// Frame is one parsed datagram. Header order is preserved so that an
// encoded frame is reproducible.
type Frame struct {
	Type    string
	Headers []Header
	Body    []byte
}

// New returns an empty frame of the given type.
func New(typ string) *Frame {
	return &Frame{Type: typ}
}

// Set replaces the value of key if present, otherwise appends it.
// It returns the frame for chaining while building.
func (f *Frame) Set(key, value string) *Frame {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return f
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
	return f
}

// SetInt is Set for integer values.
func (f *Frame) SetInt(key string, v int64) *Frame {
	return f.Set(key, strconv.FormatInt(v, 10))
}

// Get returns the value of key, or "" when absent.
func (f *Frame) Get(key string) string {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			return f.Headers[i].Value
		}
	}
	return ""
}

// Has reports whether key is present, even with an empty value.
func (f *Frame) Has(key string) bool {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			return true
		}
	}
	return false
}

// Int parses the value of key as a decimal integer.
func (f *Frame) Int(key string) (int64, error) {
	v := f.Get(key)
	if v == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissingHeader, key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedFrame, key, v)
	}
	return n, nil
}

// String renders a short description for logs, never the body.
func (f *Frame) String() string {
	var b strings.Builder
	b.WriteString(f.Type)
	for _, h := range f.Headers {
		if h.Key == "TOKEN" {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", h.Key, h.Value)
	}
	if len(f.Body) > 0 {
		fmt.Fprintf(&b, " body=%dB", len(f.Body))
	}
	return b.String()
}

// Encode serializes the frame: TYPE line first, headers in insertion
// order, blank line, body. When a body is present and no SIZE header was
// set, SIZE is appended automatically. FILE_OFFER sets SIZE to the file
// size itself and carries no body, so an existing SIZE is never touched.
func Encode(f *Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedFrame)
	}
	var buf bytes.Buffer
	if err := writeHeader(&buf, "TYPE", f.Type); err != nil {
		return nil, err
	}
	sawSize := false
	for _, h := range f.Headers {
		if h.Key == "SIZE" {
			sawSize = true
		}
		if err := writeHeader(&buf, h.Key, h.Value); err != nil {
			return nil, err
		}
	}
	if len(f.Body) > 0 && !sawSize {
		if err := writeHeader(&buf, "SIZE", strconv.Itoa(len(f.Body))); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	if buf.Len() > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, buf.Len())
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) error {
	if key == "" || strings.ContainsAny(key, ":\n") {
		return fmt.Errorf("%w: bad key %q", ErrMalformedFrame, key)
	}
	if strings.ContainsRune(value, '\n') {
		return fmt.Errorf("%w: newline in value of %s", ErrMalformedFrame, key)
	}
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteByte('\n')
	return nil
}

// Decode parses one datagram. It is tolerant: CRLF line endings are
// accepted, unknown headers are preserved, a duplicate key keeps the last
// value, and a missing trailing blank line is treated as end of headers.
//
// Body rule: the bytes after the blank line are the body. When a SIZE
// header is present and body bytes exist, the body is the first SIZE
// bytes (fewer is ErrBodySize, extra bytes are ignored). When nothing
// follows the blank line the body is nil even if SIZE is present, since
// FILE_OFFER uses SIZE for the announced file size.
func Decode(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	f := &Frame{}
	rest := data
	first := true
	for {
		if len(rest) == 0 {
			rest = nil
			break
		}
		var line []byte
		if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
			line, rest = rest[:nl], rest[nl+1:]
		} else {
			line, rest = rest, nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			break
		}
		key, val, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			return nil, fmt.Errorf("%w: header without colon", ErrMalformedFrame)
		}
		k := string(key)
		v := string(bytes.TrimLeft(val, " "))
		if first {
			if k != "TYPE" || v == "" {
				return nil, fmt.Errorf("%w: first header must be TYPE", ErrMalformedFrame)
			}
			f.Type = v
			first = false
			continue
		}
		if k == "" {
			return nil, fmt.Errorf("%w: empty header key", ErrMalformedFrame)
		}
		f.Set(k, v)
	}
	if first {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if len(rest) == 0 {
		return f, nil
	}
	if f.Has("SIZE") {
		n, err := f.Int("SIZE")
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative SIZE", ErrMalformedFrame)
		}
		if int64(len(rest)) < n {
			return nil, fmt.Errorf("%w: have %d want %d", ErrBodySize, len(rest), n)
		}
		f.Body = append([]byte(nil), rest[:n]...)
		return f, nil
	}
	f.Body = append([]byte(nil), rest...)
	return f, nil
}
