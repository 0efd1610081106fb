// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

type searchItem struct {
	msg *Message
	err error
}

// SearchResults iterates over the results of a search. Results from
// followed referrals are folded into the same stream. When referrals are
// not followed, each continuation reference appears as a *ReferralError
// returned by Next, and iteration may continue past it.
type SearchResults struct {
	s          *Session
	ctx        context.Context
	req        *SearchRequest
	cons       Constraints
	q          *Queue
	r          *resolver
	hops       map[queueKey]int
	primary    queueKey
	buf        []searchItem
	final      *Message
	err        error
	done       bool
	timedOut   bool
	fromCache  bool
	persistent bool

	cache     *Cache
	cacheKey  CacheKey
	cacheable bool
	collected []*Message
	size      int
}

// Search runs a search. With a BatchSize of zero it waits for the
// complete result before returning. Otherwise results are fetched as
// Next is called, at most BatchSize at a time.
func (s *Session) Search(req *SearchRequest, cons *Constraints) (*SearchResults, error) {
	return s.SearchContext(context.Background(), req, cons)
}

// SearchContext is Search with a context.
func (s *Session) SearchContext(ctx context.Context, req *SearchRequest, cons *Constraints) (*SearchResults, error) {
	c := s.effective(cons)
	req = c.apply(req).(*SearchRequest)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sr := &SearchResults{
		s:          s,
		ctx:        ctx,
		req:        req,
		cons:       c,
		hops:       make(map[queueKey]int),
		persistent: FindControl(c.Controls, OIDPersistentSearch) != nil,
		cache:      s.pool.Cache,
	}

	if sr.cache != nil && !sr.persistent {
		key, err := sr.cache.Key(s.Endpoint().String(), req.BaseDN, req.Scope, req.filter(), req.Attributes, s.Identity(), c.Controls)
		if err == nil {
			if res, ok := sr.cache.Get(key); ok {
				sr.fromCache, sr.done, sr.final = true, true, res.Final
				for _, msg := range res.Messages {
					sr.buf = append(sr.buf, searchItem{msg: msg})
				}
				return sr, nil
			}
			sr.cacheKey, sr.cacheable = key, true
		}
	}

	q, err := s.SubmitContext(ctx, req, &c)
	if err != nil {
		return nil, err
	}
	sr.q = q
	sr.r = newResolver(s, c)
	for _, k := range q.keys() {
		sr.primary = k
		sr.hops[k] = c.HopLimit
	}

	if c.BatchSize == 0 {
		for !sr.done && !sr.timedOut {
			sr.fill()
		}
	}
	return sr, nil
}

// FromCache returns true if the results were served from the Cache.
func (sr *SearchResults) FromCache() bool {
	return sr.fromCache
}

// SetReadDeadline sets the deadline for Next. After a timeout the search
// continues, and Next may be called again once the deadline is extended.
func (sr *SearchResults) SetReadDeadline(t time.Time) error {
	if sr.q == nil {
		return nil
	}
	sr.timedOut = false
	return sr.q.SetReadDeadline(t)
}

// Next returns the next entry, continuation reference or intermediate
// response. It returns io.EOF when the search is complete, or the error
// that ended it. A referral that was not followed is returned as a
// *ReferralError, after which Next may be called again.
func (sr *SearchResults) Next() (*Message, error) {
	for len(sr.buf) == 0 {
		if sr.done {
			if sr.err != nil {
				return nil, sr.err
			}
			return nil, io.EOF
		}
		sr.fill()
	}
	it := sr.buf[0]
	sr.buf[0] = searchItem{}
	sr.buf = sr.buf[1:]
	return it.msg, it.err
}

// Entries drains the results and returns the entries. Referrals that were
// not followed are skipped.
func (sr *SearchResults) Entries() (entries []*Entry, err error) {
	for {
		var msg *Message
		if msg, err = sr.Next(); err != nil {
			if _, ok := IsReferral(err); ok {
				continue
			}
			if err == io.EOF {
				err = nil
			}
			return
		}
		if msg.Kind == KindSearchEntry {
			entries = append(entries, msg.Entry)
		}
	}
}

// Result returns the final response once the search is complete.
func (sr *SearchResults) Result() *Message {
	return sr.final
}

// Err returns the error that ended the search, if any.
func (sr *SearchResults) Err() error {
	return sr.err
}

// Close abandons the search if it is still running and releases any
// Sessions opened to follow referrals.
func (sr *SearchResults) Close() error {
	if !sr.done {
		sr.done = true
		sr.s.AbandonQueue(sr.q)
	}
	sr.finish()
	QueueFree(sr.q)
	sr.q = nil
	return nil
}

// fill blocks until at least one message arrives, then takes up to
// BatchSize messages in total without blocking further.
func (sr *SearchResults) fill() {
	q := sr.q
	stop := context.AfterFunc(sr.ctx, func() { q.SetReadDeadline(aLongTimeAgo) })
	msg, err := q.NextMessage()
	stop()
	if err != nil && sr.ctx.Err() != nil {
		err = sr.ctx.Err()
	}
	sr.process(msg, err)
	for n := 1; n < sr.cons.BatchSize && !sr.done; n++ {
		if msg, err = q.Poll(); msg == nil && err == nil {
			break
		}
		sr.process(msg, err)
	}
}

func (sr *SearchResults) process(msg *Message, err error) {
	if err != nil {
		switch {
		case err == ErrQueueDrained:
			sr.done = true
			sr.complete()
		case errors.Cause(err) == (timeoutError{}):
			// not fatal, the caller may keep waiting
			sr.timedOut = true
			sr.buf = append(sr.buf, searchItem{err: err})
		default:
			sr.done, sr.err = true, err
			sr.cacheable = false
			sr.s.AbandonQueue(sr.q)
			sr.finish()
		}
		return
	}

	key := queueKey{msg.mux, msg.ID}
	switch msg.Kind {
	case KindSearchEntry, KindIntermediate:
		sr.buf = append(sr.buf, searchItem{msg: msg})
		sr.collect(msg)
	case KindSearchReference:
		sr.cacheable = false
		if !sr.cons.FollowReferrals {
			sr.s.pool.Metrics.RecordReferral("surfaced")
			sr.buf = append(sr.buf, searchItem{err: &ReferralError{URLs: msg.References}})
			return
		}
		sr.follow(referralContext{hops: sr.hops[key], op: continuation(sr.req), urls: msg.References}, msg, false)
	default:
		if msg.Result.Code == ResultReferral {
			sr.cacheable = false
			if !sr.cons.FollowReferrals {
				sr.s.pool.Metrics.RecordReferral("surfaced")
				if key == sr.primary {
					sr.final = msg
				}
				sr.buf = append(sr.buf, searchItem{err: &ReferralError{URLs: msg.Result.Referrals, Diagnostic: msg.Result.Diagnostic}})
				return
			}
			sr.follow(referralContext{hops: sr.hops[key], op: sr.req, urls: msg.Result.Referrals}, msg, key == sr.primary)
			return
		}
		if key == sr.primary {
			sr.final = msg
		}
		if err := msg.Result.Err(); err != nil {
			sr.cacheable = false
			sr.buf = append(sr.buf, searchItem{err: err})
		}
	}
}

// follow redirects a search and folds the new request into the stream.
// If primary is true, its final response becomes the search result, and
// failing to redirect it ends the search with that error once the
// remaining results are drained.
func (sr *SearchResults) follow(rc referralContext, msg *Message, primary bool) {
	q, hops, err := sr.r.redirect(sr.ctx, rc)
	if err != nil {
		if primary {
			sr.final, sr.err = msg, err
			return
		}
		sr.buf = append(sr.buf, searchItem{err: err})
		return
	}
	for _, k := range q.keys() {
		sr.hops[k] = hops
		if primary {
			sr.primary = k
		}
	}
	sr.q.Merge(q)
	QueueFree(q)
}

func (sr *SearchResults) collect(msg *Message) {
	if sr.cacheable {
		sr.collected = append(sr.collected, msg)
		sr.size += msg.Size
		if sr.size > sr.cache.cfg.MaxBytes {
			sr.cacheable = false
			sr.collected = nil
		}
	}
}

// complete caches a fully successful result and releases resources.
func (sr *SearchResults) complete() {
	if sr.cacheable && sr.final != nil && sr.final.Result.Code == ResultSuccess {
		sr.cache.Put(sr.cacheKey, &CachedResult{
			BaseDN:   NormalizeDN(sr.req.BaseDN),
			Messages: sr.collected,
			Final:    sr.final,
			Size:     sr.size + sr.final.Size,
		})
	}
	sr.finish()
}

func (sr *SearchResults) finish() {
	sr.collected = nil
	if sr.r != nil {
		sr.r.release()
	}
}
