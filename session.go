// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Constraints are the per-operation settings of a Session.
type Constraints struct {
	TimeLimit       time.Duration // server side time limit for searches
	SizeLimit       int           // server side size limit for searches
	FollowReferrals bool
	HopLimit        int // referrals followed before giving up
	BatchSize       int // search results fetched per batch, 0 waits for all
	MaxBacklog      int // undelivered results buffered before reading stops, 0 is unbounded
	ReadTimeout     time.Duration
	Controls        []Control
	Authenticator   Authenticator // used on referred servers
	Rebind          RebindFunc    // used on referred servers if Authenticator is nil
}

// DefaultConstraints returns the default Constraints.
func DefaultConstraints() Constraints {
	return Constraints{
		FollowReferrals: true,
		HopLimit:        DefaultHopLimit,
		BatchSize:       DefaultBatchSize,
		MaxBacklog:      DefaultMaxBacklog,
	}
}

// apply returns op with unset limits filled in from c.
func (c *Constraints) apply(op Operation) Operation {
	if req, ok := op.(*SearchRequest); ok && (req.SizeLimit == 0 || req.TimeLimit == 0) {
		cp := *req
		if cp.SizeLimit == 0 {
			cp.SizeLimit = c.SizeLimit
		}
		if cp.TimeLimit == 0 {
			cp.TimeLimit = c.TimeLimit
		}
		return &cp
	}
	return op
}

// Session is a logical connection to a directory. Sessions created by Clone
// share one Muxer until one of them binds as a different identity.
type Session struct {
	pool         *Pool
	servers      []Endpoint
	serialNumber uint32
	opMu         sync.Mutex // serializes connect, bind and disconnect
	mu           sync.Mutex // protects those below
	mux          *Muxer
	endpoint     Endpoint
	auth         Authenticator
	cons         Constraints
	closed       bool
}

var sessionNextSerialNumber uint32

func newSession(p *Pool, servers []Endpoint, auth Authenticator, cons Constraints) *Session {
	s := &Session{
		pool:         p,
		servers:      servers,
		auth:         auth,
		cons:         cons,
		serialNumber: atomic.AddUint32(&sessionNextSerialNumber, 1),
	}
	if len(servers) > 0 {
		s.endpoint = servers[0]
	}
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("[Session %x]", s.serialNumber)
}

func (s *Session) log() *log.Entry {
	return log.WithField("session", s.String())
}

// Muxer returns the current Muxer, or nil if not connected.
func (s *Session) Muxer() *Muxer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mux
}

// Endpoint returns the server the Session is, or was last, connected to.
func (s *Session) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Identity returns the bound identity, empty if anonymous.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return identityOf(s.auth)
}

// IsBound returns true if the Session has bound as a non-anonymous identity.
func (s *Session) IsBound() bool {
	return s.Identity() != ""
}

// IsConnected returns true if the Session is attached to a live Muxer.
func (s *Session) IsConnected() bool {
	mux := s.Muxer()
	return mux != nil && mux.IsAlive()
}

// Constraints returns the default Constraints for operations.
func (s *Session) Constraints() Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cons
}

// SetConstraints sets the default Constraints for operations.
func (s *Session) SetConstraints(c Constraints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cons = c
}

func (s *Session) effective(cons *Constraints) Constraints {
	if cons != nil {
		return *cons
	}
	return s.Constraints()
}

// transportLost is called by a Muxer being torn down.
func (s *Session) transportLost(mux *Muxer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mux == mux {
		s.mux = nil
		s.log().WithField("muxer", mux.String()).Debug("detached")
	}
}

// muxer returns a live Muxer for the Session, reconnecting and
// re-binding if the previous one was lost.
func (s *Session) muxer(ctx context.Context) (*Muxer, error) {
	s.mu.Lock()
	mux, closed := s.mux, s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.WithStack(ErrSessionClosed)
	}
	if mux != nil && mux.IsAlive() {
		return mux, nil
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.muxerLocked(ctx)
}

func (s *Session) muxerLocked(ctx context.Context) (*Muxer, error) {
	s.mu.Lock()
	mux, closed, auth, last := s.mux, s.closed, s.auth, s.endpoint
	s.mu.Unlock()
	if closed {
		return nil, errors.WithStack(ErrSessionClosed)
	}
	if mux != nil {
		if mux.IsAlive() {
			return mux, nil
		}
		mux.Detach(s)
	}

	// try the last used server first
	servers := make([]Endpoint, 0, len(s.servers))
	servers = append(servers, last)
	for _, ep := range s.servers {
		if ep != last {
			servers = append(servers, ep)
		}
	}

	mux, ep, err := s.pool.acquire(ctx, servers, auth, s)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.mux, s.endpoint = mux, ep
	s.mu.Unlock()
	s.log().WithField("muxer", mux.String()).Debug("attached")
	return mux, nil
}

// Clone returns a new Session sharing the Muxer, identity and Constraints of s.
func (s *Session) Clone() *Session {
	s.mu.Lock()
	c := newSession(s.pool, s.servers, s.auth, s.cons)
	c.endpoint = s.endpoint
	c.cons.Controls = append([]Control(nil), s.cons.Controls...)
	c.closed = s.closed
	mux := s.mux
	s.mu.Unlock()
	if mux != nil && mux.Attach(c) == nil {
		c.mux = mux
	}
	return c
}

// Bind performs a simple bind.
func (s *Session) Bind(ctx context.Context, dn, password string) error {
	return s.BindWith(ctx, &SimpleAuth{DN: dn, Password: password})
}

// BindWith binds using the given Authenticator. If the Muxer is shared with
// other Sessions, the Session first moves to a Muxer of its own.
// On failure the Session is left anonymous.
func (s *Session) BindWith(ctx context.Context, auth Authenticator) (err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	mux, err := s.muxerLocked(ctx)
	if err != nil {
		return err
	}
	ep := s.Endpoint()
	if len(mux.Sessions()) > 1 {
		var priv *Muxer
		if priv, err = s.pool.dial(ctx, ep); err != nil {
			return err
		}
		if err = priv.Attach(s); err != nil {
			return err
		}
		mux.Detach(s)
		s.mu.Lock()
		s.mux = priv
		s.mu.Unlock()
		mux = priv
	} else {
		s.pool.unregister(mux)
	}

	if err = authenticate(ctx, mux, auth); err != nil {
		auth = nil
	}
	s.mu.Lock()
	s.auth = auth
	s.mu.Unlock()
	s.pool.register(mux, shareKey(ep, identityOf(auth)))
	return
}

// Disconnect detaches the Session from its Muxer. The Muxer is closed
// when no Sessions remain on it. The Session can not be used afterwards.
func (s *Session) Disconnect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	mux := s.mux
	s.mux = nil
	s.closed = true
	s.mu.Unlock()
	if mux != nil {
		mux.Detach(s)
	}
	return nil
}

// Submit sends op without waiting for the reply. The returned Queue
// receives the reply messages. If cons is nil the Session defaults are used.
func (s *Session) Submit(op Operation, cons *Constraints) (*Queue, error) {
	return s.SubmitContext(context.Background(), op, cons)
}

// SubmitContext is Submit with a context for connecting.
func (s *Session) SubmitContext(ctx context.Context, op Operation, cons *Constraints) (*Queue, error) {
	c := s.effective(cons)
	op = c.apply(op)
	if err := op.Validate(); err != nil {
		return nil, err
	}
	q := QueueAlloc(c.MaxBacklog)
	if c.ReadTimeout > 0 {
		q.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	for attempt := 0; ; attempt++ {
		mux, err := s.muxer(ctx)
		if err != nil {
			return nil, err
		}
		if _, err = mux.Submit(op, c.Controls, q); err != nil {
			if errors.Cause(err) == ErrMuxerClosed && attempt == 0 {
				// lost the transport before anything was written
				continue
			}
			return nil, err
		}
		break
	}
	s.pool.Metrics.RecordOperation(op)
	return q, nil
}

// Execute sends op and waits for its final response, following referrals
// as permitted by cons. A non-success result is returned as an error
// together with the message.
func (s *Session) Execute(op Operation, cons *Constraints) (*Message, error) {
	return s.ExecuteContext(context.Background(), op, cons)
}

// ExecuteContext is Execute with a context.
func (s *Session) ExecuteContext(ctx context.Context, op Operation, cons *Constraints) (*Message, error) {
	c := s.effective(cons)
	q, err := s.SubmitContext(ctx, op, &c)
	if err != nil {
		return nil, err
	}
	if op.OneWay() {
		QueueFree(q)
		return nil, nil
	}
	r := newResolver(s, c)
	defer r.release()
	hops := c.HopLimit
	for {
		msg, err := awaitFinal(ctx, q)
		if err != nil {
			return nil, err
		}
		QueueFree(q)
		if msg.Result.Code != ResultReferral {
			return msg, msg.Result.Err()
		}
		if !c.FollowReferrals {
			s.pool.Metrics.RecordReferral("surfaced")
			return msg, &ReferralError{URLs: msg.Result.Referrals, Diagnostic: msg.Result.Diagnostic}
		}
		if q, hops, err = r.redirect(ctx, referralContext{hops: hops, op: op, urls: msg.Result.Referrals}); err != nil {
			return msg, err
		}
	}
}

// Abandon abandons a request submitted on the current Muxer.
func (s *Session) Abandon(id MessageID) {
	if mux := s.Muxer(); mux != nil {
		mux.Abandon(id)
	}
}

// AbandonQueue abandons every request outstanding on q, on whichever
// Muxer it was submitted.
func (s *Session) AbandonQueue(q *Queue) {
	for _, k := range q.keys() {
		if k.mux != nil {
			k.mux.Abandon(k.id)
		}
		q.abandon(k.mux, k.id)
	}
}
