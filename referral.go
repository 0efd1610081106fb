// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// referralContext is one redirection of an operation.
type referralContext struct {
	hops int       // remaining budget before this redirection
	op   Operation // the operation as originally issued
	urls []string  // candidate locations, in server order
}

// resolver re-issues operations against referred servers. The Sessions it
// creates live until release is called.
type resolver struct {
	origin   *Session
	cons     Constraints
	sessions []*Session
}

func newResolver(origin *Session, cons Constraints) *resolver {
	return &resolver{origin: origin, cons: cons}
}

// redirect issues rc.op on the first reachable candidate and returns the
// Queue receiving its reply along with the remaining hop budget.
// The budget is checked once, before any candidate is dialed.
func (r *resolver) redirect(ctx context.Context, rc referralContext) (*Queue, int, error) {
	metrics := r.origin.pool.Metrics
	if len(rc.urls) == 0 {
		metrics.RecordReferral("failed")
		return nil, rc.hops, errors.WithStack(ErrNoReferralTargets)
	}
	if rc.hops <= 0 {
		metrics.RecordReferral("failed")
		return nil, rc.hops, errors.WithStack(ErrHopLimitExceeded)
	}
	var errs error
	for _, raw := range rc.urls {
		lu, err := ParseLDAPURL(raw)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		s, err := r.session(ctx, lu.Endpoint)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		q, err := s.SubmitContext(ctx, rewrite(rc.op, lu), &r.cons)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		metrics.RecordReferral("followed")
		s.log().WithField("url", raw).WithField("hops", rc.hops-1).Debug("following referral")
		return q, rc.hops - 1, nil
	}
	metrics.RecordReferral("failed")
	return nil, rc.hops, &ConnectError{errs}
}

// rewrite aims op at the location named by a referral URL.
func rewrite(op Operation, lu *LDAPURL) Operation {
	op = op.WithDN(lu.DN)
	if req, ok := op.(*SearchRequest); ok {
		if lu.HasScope {
			req.Scope = lu.Scope
		}
		if lu.Filter != "" {
			req.Filter = lu.Filter
		}
	}
	return op
}

// continuation returns the search to issue for a continuation reference
// returned by req (RFC 4511 section 4.5.3).
func continuation(req *SearchRequest) *SearchRequest {
	cp := *req
	if cp.Scope == ScopeSingleLevel {
		cp.Scope = ScopeBaseObject
	}
	return &cp
}

// session returns a Session connected to ep, authenticated with the
// explicit Authenticator, else with credentials from the Rebind callback,
// else anonymously. Live Muxers already bound as that identity are reused.
func (r *resolver) session(ctx context.Context, ep Endpoint) (*Session, error) {
	auth := r.cons.Authenticator
	if auth == nil && r.cons.Rebind != nil {
		dn, password, err := r.cons.Rebind(ep.Host, ep.Port)
		if err != nil {
			return nil, errors.Wrap(err, "rebind")
		}
		auth = &SimpleAuth{DN: dn, Password: password}
	}
	s, err := r.origin.pool.session(ctx, []Endpoint{ep}, auth, r.cons)
	if err != nil {
		return nil, err
	}
	r.sessions = append(r.sessions, s)
	return s, nil
}

// release disconnects the Sessions created while resolving.
func (r *resolver) release() {
	for _, s := range r.sessions {
		_ = s.Disconnect()
	}
	r.sessions = nil
}
