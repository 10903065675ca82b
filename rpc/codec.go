// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineBytes is the default bound on a single protocol line. Byte
// payloads ride inside lines base64-encoded, so media results need
// headroom well past typical JSON messages.
const MaxLineBytes = 16 << 20

// Reader decodes newline-delimited JSON values from a stream. Not
// safe for concurrent use.
type Reader struct {
	scanner *bufio.Scanner
	maxLine int
}

// NewReader wraps r for line-by-line decoding with the default line
// bound.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, MaxLineBytes)
}

// NewReaderSize wraps r with an explicit line bound. Zero or negative
// means MaxLineBytes.
func NewReaderSize(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = MaxLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{scanner: scanner, maxLine: maxLine}
}

// Next decodes the next non-empty line into v. It returns io.EOF when
// the stream ends cleanly and a wrapped error for oversized lines or
// malformed JSON.
func (r *Reader) Next(v any) error {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("decoding protocol line: %w", err)
		}
		return nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("protocol line exceeds %d bytes: %w", r.maxLine, err)
		}
		return err
	}
	return io.EOF
}

// Writer encodes values as newline-delimited JSON. Each Write is a
// single line. Not safe for concurrent use; callers serialize.
type Writer struct {
	enc *json.Encoder
}

// NewWriter wraps w for line-by-line encoding.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write encodes v as one line.
func (w *Writer) Write(v any) error {
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("encoding protocol line: %w", err)
	}
	return nil
}
