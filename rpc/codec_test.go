// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	settings := map[string]any{"quality": "high"}
	if err := w.Write(settings); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	req := Request{
		ID:         1,
		Method:     MethodCall,
		Capability: "media.transcode",
		Function:   "probe",
		Args:       []any{"input.mkv"},
		Kwargs:     map[string]any{},
	}
	if err := w.Write(&req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("wrote %d lines, want 2", got)
	}

	r := NewReader(&buf)
	var gotSettings map[string]any
	if err := r.Next(&gotSettings); err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if gotSettings["quality"] != "high" {
		t.Errorf("settings = %v, want quality=high", gotSettings)
	}
	var gotReq Request
	if err := r.Next(&gotReq); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if gotReq.ID != 1 || gotReq.Capability != "media.transcode" || gotReq.Function != "probe" {
		t.Errorf("request = %+v", gotReq)
	}
	if err := r.Next(&gotReq); err != io.EOF {
		t.Errorf("read past end = %v, want io.EOF", err)
	}
}

func TestReaderSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n\n{\"id\":7,\"ok\":true}\n\n"))
	var resp Response
	if err := r.Next(&resp); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp.ID != 7 || !resp.OK {
		t.Errorf("response = %+v, want id=7 ok=true", resp)
	}
	if err := r.Next(&resp); err != io.EOF {
		t.Errorf("trailing blanks: Next = %v, want io.EOF", err)
	}
}

func TestReaderRejectsMalformedLine(t *testing.T) {
	r := NewReader(strings.NewReader("{not json}\n"))
	var resp Response
	if err := r.Next(&resp); err == nil || err == io.EOF {
		t.Fatalf("Next on malformed line = %v, want decode error", err)
	}
}

func TestReaderRejectsOversizedLine(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"id":1,"ok":true,"result":"`)
	buf.WriteString(strings.Repeat("x", MaxLineBytes))
	buf.WriteString("\"}\n")

	r := NewReader(&buf)
	var resp Response
	if err := r.Next(&resp); !errors.Is(err, bufio.ErrTooLong) {
		t.Fatalf("Next on oversized line = %v, want bufio.ErrTooLong", err)
	}
}

func TestRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"capabilities", Request{ID: 1, Method: MethodCapabilities}, false},
		{"call complete", Request{ID: 2, Method: MethodCall, Capability: "c", Function: "f"}, false},
		{"call missing capability", Request{ID: 3, Method: MethodCall, Function: "f"}, true},
		{"call missing function", Request{ID: 4, Method: MethodCall, Capability: "c"}, true},
		{"unknown method", Request{ID: 5, Method: "shutdown"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
