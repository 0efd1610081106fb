// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type queueKey struct {
	mux *Muxer
	id  MessageID
}

// Queue collects the inbound messages for one or more outstanding requests.
// It bridges the Muxer reader loop to blocking or polling consumers.
type Queue struct {
	// MaxBacklog is the number of unread messages at which the reader
	// loop of a delivering Muxer suspends. Zero means unbounded.
	MaxBacklog int

	mu           sync.Mutex
	msgs         []*Message
	ids          map[queueKey]struct{}
	err          error
	wake         chan struct{} // closed and replaced on every state change
	deadline     deadline
	serialNumber uint32
}

var queueNextSerialNumber uint32

// NewQueue returns an empty Queue.
func NewQueue(maxBacklog int) *Queue {
	return &Queue{
		MaxBacklog:   maxBacklog,
		ids:          make(map[queueKey]struct{}),
		wake:         make(chan struct{}),
		deadline:     makeDeadline(),
		serialNumber: atomic.AddUint32(&queueNextSerialNumber, 1),
	}
}

func (q *Queue) String() string {
	return fmt.Sprintf("[Queue %x]", q.serialNumber)
}

// changedLocked wakes every goroutine waiting on the Queue.
func (q *Queue) changedLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// muxersLocked returns the distinct Muxers with ids in the Queue.
func (q *Queue) muxersLocked() (muxers []*Muxer) {
	for k := range q.ids {
		if k.mux != nil && !containsMuxer(muxers, k.mux) {
			muxers = append(muxers, k.mux)
		}
	}
	return
}

func containsMuxer(muxers []*Muxer, mux *Muxer) bool {
	for _, m := range muxers {
		if m == mux {
			return true
		}
	}
	return false
}

// notify tells the given Muxers that the Queue has shrunk.
func notify(muxers []*Muxer) {
	for _, mux := range muxers {
		mux.consumed()
	}
}

// addID registers an outstanding request on the Queue.
func (q *Queue) addID(mux *Muxer, id MessageID) {
	q.mu.Lock()
	q.ids[queueKey{mux, id}] = struct{}{}
	q.changedLocked()
	q.mu.Unlock()
}

// popLocked removes the message at index i and, if it is final,
// its id from the outstanding set.
func (q *Queue) popLocked(i int) *Message {
	msg := q.msgs[i]
	copy(q.msgs[i:], q.msgs[i+1:])
	q.msgs[len(q.msgs)-1] = nil
	q.msgs = q.msgs[:len(q.msgs)-1]
	if msg.IsFinal() {
		delete(q.ids, queueKey{msg.mux, msg.ID})
	}
	q.changedLocked()
	return msg
}

// next is the common wait loop for NextMessage and WaitForFinal.
// pick returns the index of a deliverable message or -1.
func (q *Queue) next(pick func() int) (*Message, error) {
	for {
		q.mu.Lock()
		muxers := q.muxersLocked()
		if i := pick(); i >= 0 {
			msg := q.popLocked(i)
			q.mu.Unlock()
			notify(append(muxers, msg.mux))
			return msg, nil
		}
		if q.err != nil {
			err := q.err
			q.err = nil
			q.mu.Unlock()
			return nil, err
		}
		if len(q.ids) == 0 {
			q.mu.Unlock()
			return nil, ErrQueueDrained
		}
		wake := q.wake
		q.mu.Unlock()
		select {
		case <-wake:
		case <-q.deadline.wait():
			return nil, errors.WithStack(timeoutError{})
		}
	}
}

// NextMessage blocks until a message is available and returns it. It
// returns the sticky error if one is set, and ErrQueueDrained once no
// outstanding requests remain.
func (q *Queue) NextMessage() (*Message, error) {
	return q.next(func() int {
		if len(q.msgs) > 0 {
			return 0
		}
		return -1
	})
}

// WaitForFinal blocks until a final message is buffered and returns it.
// Partial messages buffered ahead of it stay in the Queue.
func (q *Queue) WaitForFinal() (*Message, error) {
	return q.next(func() int {
		for i := len(q.msgs) - 1; i >= 0; i-- {
			if q.msgs[i].IsFinal() {
				return i
			}
		}
		return -1
	})
}

// Poll returns the next message without blocking. It returns nil, nil
// if nothing is available yet.
func (q *Queue) Poll() (*Message, error) {
	q.mu.Lock()
	muxers := q.muxersLocked()
	if len(q.msgs) > 0 {
		msg := q.popLocked(0)
		q.mu.Unlock()
		notify(append(muxers, msg.mux))
		return msg, nil
	}
	defer q.mu.Unlock()
	if q.err != nil {
		err := q.err
		q.err = nil
		return nil, err
	}
	if len(q.ids) == 0 {
		return nil, ErrQueueDrained
	}
	return nil, nil
}

// AddMessage appends a message and wakes waiters.
func (q *Queue) AddMessage(msg *Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.changedLocked()
	q.mu.Unlock()
}

// SetError records the sticky error unless one is already pending, clears
// the outstanding ids and wakes waiters.
func (q *Queue) SetError(err error) {
	q.mu.Lock()
	muxers := q.muxersLocked()
	if q.err == nil {
		q.err = err
	}
	for k := range q.ids {
		delete(q.ids, k)
	}
	q.changedLocked()
	q.mu.Unlock()
	notify(muxers)
}

// purgeLocked removes outstanding ids and buffered messages matching fn.
func (q *Queue) purgeLocked(fn func(queueKey) bool) {
	for k := range q.ids {
		if fn(k) {
			delete(q.ids, k)
		}
	}
	msgs := q.msgs[:0]
	for _, msg := range q.msgs {
		if !fn(queueKey{msg.mux, msg.ID}) {
			msgs = append(msgs, msg)
		}
	}
	for i := len(msgs); i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = msgs
	q.changedLocked()
}

// AbandonID removes id from the outstanding set and discards any
// messages already buffered for it.
func (q *Queue) AbandonID(id MessageID) {
	q.mu.Lock()
	muxers := q.muxersLocked()
	q.purgeLocked(func(k queueKey) bool { return k.id == id })
	q.mu.Unlock()
	notify(muxers)
}

func (q *Queue) abandon(mux *Muxer, id MessageID) {
	q.mu.Lock()
	q.purgeLocked(func(k queueKey) bool { return k.mux == mux && k.id == id })
	q.mu.Unlock()
	notify([]*Muxer{mux})
}

// RemoveID removes id from the outstanding set and discards any
// messages buffered for it. It does not touch the Muxer.
func (q *Queue) RemoveID(id MessageID) {
	q.AbandonID(id)
}

// Merge moves the outstanding ids, buffered messages and pending error of
// other into q. Messages for the moved ids are delivered to q from then on.
func (q *Queue) Merge(other *Queue) {
	if other == q || other == nil {
		return
	}
	other.mu.Lock()
	keys := make([]queueKey, 0, len(other.ids))
	for k := range other.ids {
		keys = append(keys, k)
	}
	other.mu.Unlock()

	// retarget first so that nothing more lands in other
	for _, k := range keys {
		if k.mux != nil {
			k.mux.retarget(k.id, other, q)
		}
	}

	other.mu.Lock()
	msgs, err := other.msgs, other.err
	other.msgs, other.err = nil, nil
	for k := range other.ids {
		delete(other.ids, k)
	}
	other.changedLocked()
	other.mu.Unlock()

	q.mu.Lock()
	for _, k := range keys {
		q.ids[k] = struct{}{}
	}
	q.msgs = append(msgs, q.msgs...)
	if q.err == nil {
		q.err = err
	}
	q.changedLocked()
	q.mu.Unlock()
}

// keys returns the outstanding request keys.
func (q *Queue) keys() []queueKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]queueKey, 0, len(q.ids))
	for k := range q.ids {
		keys = append(keys, k)
	}
	return keys
}

// IDs returns the outstanding message ids.
func (q *Queue) IDs() (ids []MessageID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.ids {
		ids = append(ids, k.id)
	}
	return
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Outstanding returns the number of requests still awaiting a final message.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Backlogged returns true if the reader loop should suspend before
// delivering more messages to this Queue.
func (q *Queue) Backlogged() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.MaxBacklog > 0 && len(q.msgs) >= q.MaxBacklog
}

// SetReadDeadline sets the deadline for NextMessage and WaitForFinal.
// A zero value for t means waits will not time out.
func (q *Queue) SetReadDeadline(t time.Time) error {
	q.deadline.set(t)
	q.mu.Lock()
	q.changedLocked()
	q.mu.Unlock()
	return nil
}

// reset prepares an idle Queue for reuse.
func (q *Queue) reset(maxBacklog int) {
	q.mu.Lock()
	q.MaxBacklog = maxBacklog
	q.msgs = q.msgs[:0]
	q.err = nil
	q.changedLocked()
	q.mu.Unlock()
	q.deadline.set(time.Time{})
}
