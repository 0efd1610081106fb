// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Endpoint identifies a directory server transport.
type Endpoint struct {
	Scheme string // ldap, ldaps, ws or wss
	Host   string
	Port   int
	Path   string // websocket path
}

func defaultPort(scheme string) int {
	switch scheme {
	case "ldaps":
		return DefaultTLSPort
	case "ws":
		return 80
	case "wss":
		return 443
	}
	return DefaultPort
}

// ParseEndpoint parses "host", "host:port" or a URL with one of the
// schemes ldap, ldaps, ws or wss.
func ParseEndpoint(s string) (Endpoint, error) {
	if !strings.Contains(s, "://") {
		s = "ldap://" + s
	}
	u, err := ParseLDAPURL(s)
	if err != nil {
		return Endpoint{}, err
	}
	return u.Endpoint, nil
}

// Address returns "host:port".
func (ep Endpoint) Address() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}

func (ep Endpoint) String() string {
	return ep.Scheme + "://" + ep.Address() + ep.Path
}

// LDAPURL is an RFC 4516 LDAP URL as found in referrals.
type LDAPURL struct {
	Endpoint
	DN         string
	Attributes []string
	Scope      Scope
	HasScope   bool
	Filter     string
}

// ParseLDAPURL parses an LDAP URL. Host and port default to the
// usual values for the scheme when absent.
func ParseLDAPURL(raw string) (*LDAPURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	lu := &LDAPURL{Endpoint: Endpoint{Scheme: strings.ToLower(u.Scheme)}}
	switch lu.Scheme {
	case "ldap", "ldaps":
	case "ws", "wss":
		lu.Path = u.Path
	default:
		return nil, errors.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	lu.Host = u.Hostname()
	if lu.Host == "" {
		lu.Host = "localhost"
	}
	lu.Port = defaultPort(lu.Scheme)
	if p := u.Port(); p != "" {
		if lu.Port, err = strconv.Atoi(p); err != nil || lu.Port < 1 || lu.Port > 65535 {
			return nil, errors.Errorf("invalid port %q", p)
		}
	}
	if lu.Scheme == "ldap" || lu.Scheme == "ldaps" {
		if lu.DN, err = url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/")); err != nil {
			return nil, errors.WithStack(err)
		}
		if err = lu.parseQuery(u.RawQuery); err != nil {
			return nil, err
		}
	}
	return lu, nil
}

// parseQuery parses "attrs?scope?filter?extensions".
func (lu *LDAPURL) parseQuery(q string) (err error) {
	parts := strings.SplitN(q, "?", 4)
	for i := range parts {
		if parts[i], err = url.QueryUnescape(parts[i]); err != nil {
			return errors.WithStack(err)
		}
	}
	if len(parts) > 0 && parts[0] != "" {
		lu.Attributes = strings.Split(parts[0], ",")
	}
	if len(parts) > 1 && parts[1] != "" {
		lu.HasScope = true
		switch strings.ToLower(parts[1]) {
		case "base":
			lu.Scope = ScopeBaseObject
		case "one":
			lu.Scope = ScopeSingleLevel
		case "sub":
			lu.Scope = ScopeWholeSubtree
		default:
			return errors.Errorf("invalid URL scope %q", parts[1])
		}
	}
	if len(parts) > 2 {
		lu.Filter = parts[2]
	}
	return nil
}
