// Package ndjson splits a byte stream into newline-delimited JSON records.
// It is shared by the live stdout pipeline and the on-disk log reader.
package ndjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxLineSize bounds a single record. CLI output lines can be large
// (tool results embed file contents) but 1MB covers everything observed.
const MaxLineSize = 1024 * 1024

// Scanner is a stateful incremental splitter: feed it arbitrary byte
// chunks with Push and drain complete lines with Next. A malformed JSON
// line surfaces as an error from Decode without disturbing the buffer,
// so one bad record never poisons the rest of the stream.
type Scanner struct {
	buf bytes.Buffer
}

// Push appends a chunk of raw bytes to the internal buffer.
func (s *Scanner) Push(p []byte) {
	s.buf.Write(p)
}

// Next returns the next complete line (without the trailing newline) and
// true, or nil and false when no full line is buffered yet.
func (s *Scanner) Next() ([]byte, bool) {
	data := s.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if s.buf.Len() > MaxLineSize {
			// Drop the oversized partial so the stream can recover.
			s.buf.Reset()
		}
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	s.buf.Next(idx + 1)
	return bytes.TrimSuffix(line, []byte("\r")), true
}

// Flush returns the trailing partial line at end of stream, or nil if the
// remaining buffer is empty or whitespace only.
func (s *Scanner) Flush() []byte {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if rest == "" {
		return nil
	}
	return []byte(rest)
}

// Decode parses one line into a raw JSON record. Blank lines and
// whitespace-only lines decode to nil without error.
func Decode(line []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("ndjson: invalid JSON line (%d bytes)", len(trimmed))
	}
	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	return raw, nil
}

// ForEach reads r through a Scanner and calls fn for every decoded
// record. Malformed lines are reported through onErr (which may be nil)
// and skipped; reading continues. A trailing unterminated line is
// processed like any other.
func ForEach(r io.Reader, fn func(json.RawMessage) error, onErr func(line []byte, err error)) error {
	handle := func(line []byte) error {
		raw, derr := Decode(line)
		if derr != nil {
			if onErr != nil {
				onErr(line, derr)
			}
			return nil
		}
		if raw == nil {
			return nil
		}
		return fn(raw)
	}

	var sc Scanner
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sc.Push(buf[:n])
			for {
				line, ok := sc.Next()
				if !ok {
					break
				}
				if ferr := handle(line); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			if tail := sc.Flush(); tail != nil {
				return handle(tail)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
