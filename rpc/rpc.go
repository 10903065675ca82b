// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc defines the wire protocol between the kernel and
// subprocess plugin hosts: newline-delimited UTF-8 JSON over the
// child's stdin/stdout. The parent sends the plugin's effective
// settings object as the very first line, before any request. After
// that every line is a Request (parent to child) or Response (child
// to parent) matched by id.
package rpc

import "fmt"

// Methods a request may carry.
const (
	// MethodCapabilities asks the plugin for its explicit method
	// table: capability name to the set of exposed function names.
	MethodCapabilities = "capabilities"

	// MethodCall invokes one function of one capability.
	MethodCall = "call"
)

// Request is one parent-to-child line.
type Request struct {
	ID         uint64         `json:"id"`
	Method     string         `json:"method"`
	Capability string         `json:"capability,omitempty"`
	Function   string         `json:"function,omitempty"`
	Args       []any          `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
}

// Response is one child-to-parent line.
type Response struct {
	ID     uint64 `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Validate rejects requests that no conforming parent emits.
func (r *Request) Validate() error {
	switch r.Method {
	case MethodCapabilities:
		return nil
	case MethodCall:
		if r.Capability == "" {
			return fmt.Errorf("call request %d missing capability", r.ID)
		}
		if r.Function == "" {
			return fmt.Errorf("call request %d missing function", r.ID)
		}
		return nil
	default:
		return fmt.Errorf("request %d has unknown method %q", r.ID, r.Method)
	}
}
