// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer sets the Dialer used to open transports.
func WithDialer(d Dialer) PoolOption { return func(p *Pool) { p.Dialer = d } }

// WithCodec sets the Codec used by new Muxers.
func WithCodec(c Codec) PoolOption { return func(p *Pool) { p.Codec = c } }

// WithCache enables result caching for searches made through the Pool.
func WithCache(c *Cache) PoolOption { return func(p *Pool) { p.Cache = c } }

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) PoolOption { return func(p *Pool) { p.Metrics = m } }

// WithConstraints sets the default Constraints of new Sessions.
func WithConstraints(c Constraints) PoolOption { return func(p *Pool) { p.Constraints = c } }

// WithReconnectLimit limits how often an endpoint may be dialed.
func WithReconnectLimit(r rate.Limit, burst int) PoolOption {
	return func(p *Pool) { p.reconnectRate, p.reconnectBurst = r, burst }
}

// WithNetLog enables network message logging on new Muxers.
func WithNetLog(state bool) PoolOption { return func(p *Pool) { p.NetLog = state } }

// Pool owns the Muxers used by the Sessions created from it. Muxers are
// shared between Sessions connected to the same endpoint with the same
// bound identity.
type Pool struct {
	Dialer      Dialer
	Codec       Codec
	Cache       *Cache
	Metrics     *Metrics
	Constraints Constraints
	NetLog      bool

	mu             sync.Mutex // protects those below
	muxers         map[*Muxer]string // sharing key, empty if private
	limiters       map[string]*rate.Limiter
	failures       map[string]*dialFailure
	reconnectRate  rate.Limit
	reconnectBurst int
	closed         bool
	group          singleflight.Group
	serialNumber   uint32
}

type dialFailure struct {
	lastError    error
	firstAttempt time.Time
	lastAttempt  time.Time
}

var poolNextSerialNumber uint32

// NewPool returns an empty Pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		Dialer:         &NetDialer{Timeout: DefaultDialTimeout},
		Codec:          BERCodec{},
		Constraints:    DefaultConstraints(),
		muxers:         make(map[*Muxer]string),
		limiters:       make(map[string]*rate.Limiter),
		failures:       make(map[string]*dialFailure),
		reconnectRate:  DefaultReconnectRate,
		reconnectBurst: DefaultReconnectBurst,
		serialNumber:   atomic.AddUint32(&poolNextSerialNumber, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.Cache != nil {
		p.Cache.setMetrics(p.Metrics)
	}
	return p
}

func (p *Pool) String() string {
	return fmt.Sprintf("[Pool %x]", p.serialNumber)
}

func (p *Pool) log() *log.Entry {
	return log.WithField("pool", p.String())
}

func shareKey(ep Endpoint, identity string) string {
	return ep.String() + "|" + identity
}

// Connect returns an anonymous Session connected to the first reachable
// server. Servers are given as URLs or host:port.
func (p *Pool) Connect(ctx context.Context, servers ...string) (*Session, error) {
	if len(servers) == 0 {
		return nil, &ParameterError{"servers", "empty server list"}
	}
	eps := make([]Endpoint, 0, len(servers))
	for _, srv := range servers {
		ep, err := ParseEndpoint(srv)
		if err != nil {
			return nil, &ParameterError{"servers", err.Error()}
		}
		eps = append(eps, ep)
	}
	return p.session(ctx, eps, nil, p.Constraints)
}

// session creates a Session for eps authenticated by auth and connects it.
func (p *Pool) session(ctx context.Context, eps []Endpoint, auth Authenticator, cons Constraints) (*Session, error) {
	s := newSession(p, eps, auth, cons)
	if _, err := s.muxer(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// acquire attaches s to a live Muxer bound as auth on the first reachable
// endpoint, dialing and authenticating a new one if needed.
func (p *Pool) acquire(ctx context.Context, eps []Endpoint, auth Authenticator, s *Session) (*Muxer, Endpoint, error) {
	var errs error
	identity := identityOf(auth)
	for _, ep := range eps {
		for attempt := 0; attempt < 2; attempt++ {
			mux, err := p.shared(ctx, ep, shareKey(ep, identity), auth)
			if err != nil {
				errs = multierror.Append(errs, err)
				break
			}
			if err = mux.Attach(s); err == nil {
				return mux, ep, nil
			}
			// torn down between lookup and attach
		}
	}
	if errs == nil {
		errs = errors.WithStack(ErrServerUnavailable)
	}
	return nil, Endpoint{}, &ConnectError{errs}
}

// shared returns a live Muxer registered under key, creating it if needed.
// Concurrent callers with the same key share a single dial.
func (p *Pool) shared(ctx context.Context, ep Endpoint, key string, auth Authenticator) (*Muxer, error) {
	if mux := p.lookup(key); mux != nil {
		return mux, nil
	}
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if mux := p.lookup(key); mux != nil {
			return mux, nil
		}
		mux, err := p.dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		if err = authenticate(ctx, mux, auth); err != nil {
			mux.Close()
			return nil, err
		}
		p.register(mux, key)
		return mux, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Muxer), nil
}

func (p *Pool) lookup(key string) *Muxer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for mux, k := range p.muxers {
		if k == key && mux.IsAlive() {
			return mux
		}
	}
	return nil
}

// register makes mux available for sharing under key.
func (p *Pool) register(mux *Muxer, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.muxers[mux]; ok {
		p.muxers[mux] = key
	}
}

// unregister stops mux from being shared.
func (p *Pool) unregister(mux *Muxer) {
	p.register(mux, "")
}

func (p *Pool) forget(mux *Muxer) {
	p.mu.Lock()
	_, ok := p.muxers[mux]
	delete(p.muxers, mux)
	p.mu.Unlock()
	if ok {
		p.Metrics.RecordMuxerClosed(!isClosedError(mux.Err()))
	}
}

func (p *Pool) limiter(ep Endpoint) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := ep.String()
	lim := p.limiters[k]
	if lim == nil {
		lim = rate.NewLimiter(p.reconnectRate, p.reconnectBurst)
		p.limiters[k] = lim
	}
	return lim
}

// dial opens a new, unregistered Muxer to ep.
func (p *Pool) dial(ctx context.Context, ep Endpoint) (*Muxer, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.WithStack(ErrPoolClosed)
	}
	if err := p.limiter(ep).Wait(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	rwc, err := p.Dialer.Dial(ctx, ep)
	if err != nil {
		return nil, p.dialFailed(ep, err)
	}
	p.dialSucceeded(ep)

	mux := NewMuxer(rwc, p.Codec)
	mux.Endpoint = ep.String()
	if p.Metrics != nil {
		mux.StatsCollector = p.Metrics
	}
	mux.NetLog(p.NetLog)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		mux.Close()
		return nil, errors.WithStack(ErrPoolClosed)
	}
	p.muxers[mux] = ""
	p.mu.Unlock()

	p.Metrics.RecordMuxerOpened()
	mux.OnDeath(p.forget)
	mux.Start()
	mux.log().Debug("connected")
	return mux, nil
}

func (p *Pool) dialFailed(ep Endpoint, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := ep.String()
	f := p.failures[k]
	if f == nil {
		f = &dialFailure{}
		p.failures[k] = f
	}
	f.lastError = err
	f.lastAttempt = time.Now()
	if f.firstAttempt.IsZero() {
		f.firstAttempt = f.lastAttempt
	}
	return f.offlineError(ep)
}

func (p *Pool) dialSucceeded(ep Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, ep.String())
}

func (f *dialFailure) offlineError(ep Endpoint) (err error) {
	if err = f.lastError; err == nil {
		err = errors.Errorf("%v unresponsive", ep)
	}
	if f.firstAttempt != f.lastAttempt {
		err = errors.Wrapf(err, "%v: no response for %v", ep, f.lastAttempt.Sub(f.firstAttempt))
	}
	return
}

// Muxers returns the number of live Muxers owned by the Pool.
func (p *Pool) Muxers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.muxers)
}

// Close closes all Muxers. Sessions created from the Pool can no longer reconnect.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	muxers := make([]*Muxer, 0, len(p.muxers))
	for mux := range p.muxers {
		muxers = append(muxers, mux)
	}
	p.mu.Unlock()

	var errs error
	for _, mux := range muxers {
		if err := mux.Close(); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, mux.String()))
		}
	}
	if p.Cache != nil {
		if err := p.Cache.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
