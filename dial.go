// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Dialer opens transports to directory servers.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error)

// Dial implements Dialer.
func (fn DialerFunc) Dial(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error) {
	return fn(ctx, ep)
}

// NetDialer dials ldap:// and ldaps:// over TCP and ws:// and wss:// over websockets.
type NetDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

var _ Dialer = (*NetDialer)(nil)

// Dial implements Dialer.
func (d *NetDialer) Dial(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	switch ep.Scheme {
	case "ldap":
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", ep.Address())
		return conn, errors.WithStack(err)
	case "ldaps":
		td := tls.Dialer{Config: d.tlsConfig(ep)}
		conn, err := td.DialContext(ctx, "tcp", ep.Address())
		return conn, errors.WithStack(err)
	case "ws", "wss":
		wd := websocket.Dialer{
			TLSClientConfig:  d.tlsConfig(ep),
			HandshakeTimeout: d.Timeout,
			Subprotocols:     []string{"ldap"},
		}
		ws, _, err := wd.DialContext(ctx, ep.String(), nil)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return newWSConn(ws), nil
	}
	return nil, errors.Errorf("unsupported scheme %q", ep.Scheme)
}

func (d *NetDialer) tlsConfig(ep Endpoint) *tls.Config {
	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ep.Host
	}
	return cfg
}
