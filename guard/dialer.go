// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"net"
	"time"
)

// Dialer is a net.Dialer front that consults the chain's guard scope
// before opening a connection. In-process plugins receive one in
// place of direct socket access; a denied frame turns every dial
// into a NetworkDenied violation without touching the network.
type Dialer struct {
	inner net.Dialer
}

// NewDialer returns a guarded dialer with the given connect timeout.
// A zero timeout means no limit beyond the context's.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{inner: net.Dialer{Timeout: timeout}}
}

// DialContext opens a connection if the scope carried by ctx permits
// network use. Outside any scope the dial proceeds: guard state only
// exists inside capability calls.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if scope, ok := ScopeFrom(ctx); ok {
		if err := scope.CheckNetwork(); err != nil {
			return nil, err
		}
	}
	return d.inner.DialContext(ctx, network, address)
}
