// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// Muxer multiplexes the requests of any number of Sessions
// over a single duplex stream.
type Muxer struct {
	io.ReadWriteCloser // The I/O endpoint
	StatsCollector     // Where to report statistics (optional)
	Codec              Codec
	WriteTimeout       time.Duration
	Endpoint           string // scheme://host:port, informational

	mu          sync.Mutex // guards the fields below
	table       map[MessageID]*Queue
	sessions    map[*Session]struct{}
	lastID      MessageID
	dead        bool
	deathCause  error
	started     bool
	onDeath     []func(*Muxer)
	doneChan    chan struct{}
	readerGroup sync.WaitGroup

	wmu sync.Mutex // serializes writes
	bw  *bufio.Writer

	bmu         sync.Mutex
	backlogWake chan struct{} // closed and replaced when a Queue shrinks

	serialNumber uint32
	netLog       int32 // if nonzero, log decoded and encoded messages
}

var muxerNextSerialNumber uint32

func (mux *Muxer) String() string {
	return fmt.Sprintf("[Muxer %x]", mux.serialNumber)
}

func (mux *Muxer) log() *log.Entry {
	entry := log.WithField("muxer", mux.String())
	if mux.Endpoint != "" {
		entry = entry.WithField("endpoint", mux.Endpoint)
	}
	return entry
}

// NewMuxer creates a new Muxer over rwc. It does not start reading until Start is called.
// If codec is nil, BERCodec is used.
func NewMuxer(rwc io.ReadWriteCloser, codec Codec) *Muxer {
	if codec == nil {
		codec = BERCodec{}
	}
	mux := &Muxer{
		ReadWriteCloser: rwc,
		Codec:           codec,
		WriteTimeout:    DefaultWriteTimeout,
		table:           make(map[MessageID]*Queue),
		sessions:        make(map[*Session]struct{}),
		doneChan:        make(chan struct{}),
		backlogWake:     make(chan struct{}),
		serialNumber:    atomic.AddUint32(&muxerNextSerialNumber, 1),
	}
	mux.bw = bufio.NewWriterSize(statsWriter{mux}, 16*1024)
	return mux
}

// NetLog enables or disables logging of network messages at debug level.
func (mux *Muxer) NetLog(state bool) {
	var v int32
	if state {
		v = 1
	}
	atomic.StoreInt32(&mux.netLog, v)
}

func (mux *Muxer) netLogging() bool {
	return atomic.LoadInt32(&mux.netLog) != 0
}

// Start launches the reader loop. Calling it more than once has no effect.
func (mux *Muxer) Start() {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.started || mux.dead {
		return
	}
	mux.started = true
	mux.readerGroup.Add(1)
	go mux.readLoop()
}

// OnDeath registers fn to be called once the Muxer has been torn down.
func (mux *Muxer) OnDeath(fn func(*Muxer)) {
	mux.mu.Lock()
	if !mux.dead {
		mux.onDeath = append(mux.onDeath, fn)
		fn = nil
	}
	mux.mu.Unlock()
	if fn != nil {
		fn(mux)
	}
}

// IsAlive returns true until the Muxer has been torn down.
func (mux *Muxer) IsAlive() bool {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return !mux.dead
}

// Err returns the reason the Muxer was torn down, or nil if it is alive.
func (mux *Muxer) Err() error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return mux.deathCause
}

// InFlight returns the number of requests awaiting a final response.
func (mux *Muxer) InFlight() int {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return len(mux.table)
}

// Sessions returns the Sessions currently attached.
func (mux *Muxer) Sessions() (sessions []*Session) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	for s := range mux.sessions {
		sessions = append(sessions, s)
	}
	return
}

// allocIDLocked returns the next free message id, wrapping at MaxMessageID
// and skipping ids still in flight.
func (mux *Muxer) allocIDLocked() (MessageID, error) {
	if len(mux.table) >= int(MaxMessageID) {
		return 0, errors.New("no free message ids")
	}
	id := mux.lastID
	for {
		if id >= MaxMessageID || id < 1 {
			id = 1
		} else {
			id++
		}
		if _, busy := mux.table[id]; !busy {
			mux.lastID = id
			return id, nil
		}
	}
}

// Submit allocates a message id, registers q to receive the replies and
// writes the request. One-way requests are not registered and q may be nil.
func (mux *Muxer) Submit(op Operation, controls []Control, q *Queue) (id MessageID, err error) {
	if err = op.Validate(); err != nil {
		return 0, err
	}
	oneWay := op.OneWay()
	if !oneWay && q == nil {
		return 0, &ParameterError{"queue", "nil queue for a request with a reply"}
	}

	mux.mu.Lock()
	if mux.dead {
		mux.mu.Unlock()
		return 0, errors.WithStack(ErrMuxerClosed)
	}
	if id, err = mux.allocIDLocked(); err != nil {
		mux.mu.Unlock()
		return 0, err
	}
	if !oneWay {
		mux.table[id] = q
		q.addID(mux, id)
	}
	mux.mu.Unlock()

	if err = mux.write(id, op, controls); err != nil {
		mux.fail(err)
		return 0, errors.WithStack(ErrServerUnavailable)
	}
	return id, nil
}

func (mux *Muxer) write(id MessageID, op Operation, controls []Control) (err error) {
	mux.wmu.Lock()
	defer mux.wmu.Unlock()
	if mux.netLogging() {
		mux.log().Debugf("WRIT %v %T", id, op)
	}
	if wd, ok := mux.ReadWriteCloser.(writeDeadliner); ok && mux.WriteTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(mux.WriteTimeout))
	}
	if err = mux.Codec.Encode(mux.bw, id, op, controls); err == nil {
		err = mux.bw.Flush()
	}
	return
}

// Abandon stops delivery for id and tells the server to stop processing it.
// Abandoning an id that is not in flight is a no-op.
func (mux *Muxer) Abandon(id MessageID) {
	mux.mu.Lock()
	q := mux.table[id]
	delete(mux.table, id)
	dead := mux.dead
	mux.mu.Unlock()
	if q == nil {
		return
	}
	q.abandon(mux, id)
	mux.consumed()
	if !dead {
		if _, err := mux.Submit(&AbandonRequest{ID: id}, nil, nil); err != nil {
			mux.log().WithError(err).Debug("abandon")
		}
	}
}

// retarget moves the registration of id from one Queue to another.
func (mux *Muxer) retarget(id MessageID, from, to *Queue) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.table[id] == from {
		mux.table[id] = to
	}
}

// Attach adds s to the set of Sessions sharing the Muxer.
func (mux *Muxer) Attach(s *Session) error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.dead {
		return errors.WithStack(ErrMuxerClosed)
	}
	mux.sessions[s] = struct{}{}
	return nil
}

// Detach removes s from the Muxer. When the last Session leaves, an Unbind
// is sent and the Muxer is closed. Returns true if the Muxer was torn down.
func (mux *Muxer) Detach(s *Session) bool {
	mux.mu.Lock()
	if _, ok := mux.sessions[s]; !ok {
		mux.mu.Unlock()
		return false
	}
	delete(mux.sessions, s)
	last := len(mux.sessions) == 0 && !mux.dead
	mux.mu.Unlock()
	if last {
		if _, err := mux.Submit(&UnbindRequest{}, nil, nil); err != nil {
			mux.log().WithError(err).Debug("unbind")
		}
		_, _ = mux.shutdown(ErrMuxerClosed)
		mux.waitReader()
	}
	return last
}

// Close tears down the Muxer. Outstanding requests receive ErrMuxerClosed.
func (mux *Muxer) Close() error {
	_, err := mux.shutdown(ErrMuxerClosed)
	mux.waitReader()
	return err
}

func (mux *Muxer) waitReader() {
	mux.readerGroup.Wait()
}

// fail tears down the Muxer after an I/O error. Every outstanding request
// receives ErrServerUnavailable and every Session is detached.
func (mux *Muxer) fail(cause error) {
	if torn, _ := mux.shutdown(cause); torn && !isClosedError(cause) {
		mux.log().WithError(cause).Warn("transport lost")
	}
}

// shutdown marks the Muxer dead exactly once and releases everything
// attached to it. It returns true if this call tore it down, along with
// the error from closing the stream.
func (mux *Muxer) shutdown(cause error) (torn bool, err error) {
	mux.mu.Lock()
	if mux.dead {
		mux.mu.Unlock()
		return false, nil
	}
	mux.dead = true
	mux.deathCause = cause
	close(mux.doneChan)
	var queues []*Queue
	for id, q := range mux.table {
		delete(mux.table, id)
		if !containsQueue(queues, q) {
			queues = append(queues, q)
		}
	}
	var sessions []*Session
	for s := range mux.sessions {
		delete(mux.sessions, s)
		sessions = append(sessions, s)
	}
	onDeath := mux.onDeath
	mux.onDeath = nil
	mux.mu.Unlock()

	err = mux.ReadWriteCloser.Close()
	if isClosedError(err) {
		err = nil
	}

	qerr := error(ErrServerUnavailable)
	if cause == ErrMuxerClosed {
		qerr = ErrMuxerClosed
	}
	for _, q := range queues {
		q.SetError(errors.WithStack(qerr))
	}
	for _, s := range sessions {
		s.transportLost(mux)
	}
	for _, fn := range onDeath {
		fn(mux)
	}
	mux.consumed()
	return true, err
}

func containsQueue(queues []*Queue, q *Queue) bool {
	for _, x := range queues {
		if x == q {
			return true
		}
	}
	return false
}

// consumed wakes the reader loop if it is waiting for backlog space.
func (mux *Muxer) consumed() {
	if mux != nil {
		mux.bmu.Lock()
		close(mux.backlogWake)
		mux.backlogWake = make(chan struct{})
		mux.bmu.Unlock()
	}
}

func (mux *Muxer) backlogWaiter() chan struct{} {
	mux.bmu.Lock()
	defer mux.bmu.Unlock()
	return mux.backlogWake
}

// backlogged returns true if any registered Queue is at its max backlog.
func (mux *Muxer) backlogged() bool {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	for _, q := range mux.table {
		if q.Backlogged() {
			return true
		}
	}
	return false
}

// waitBacklog blocks while any registered Queue is backlogged.
// Returns false if the Muxer was torn down while waiting.
func (mux *Muxer) waitBacklog() bool {
	for {
		wake := mux.backlogWaiter()
		if !mux.backlogged() {
			return true
		}
		select {
		case <-wake:
		case <-mux.doneChan:
			return false
		}
	}
}

func (mux *Muxer) readLoop() {
	defer mux.readerGroup.Done()
	r := bufio.NewReaderSize(statsReader{mux}, 64*1024)
	for mux.waitBacklog() {
		msg, err := mux.Codec.Decode(r)
		if err != nil {
			mux.fail(err)
			return
		}
		mux.deliver(msg)
	}
}

// deliver routes a decoded message to the Queue registered for its id.
// Messages for ids no longer in flight are dropped.
func (mux *Muxer) deliver(msg *Message) {
	msg.mux = mux
	if mux.netLogging() {
		mux.log().Debug("READ ", msg)
	}
	if msg.ID == 0 {
		// unsolicited notification, e.g. notice of disconnection
		mux.log().WithField("name", msg.ResponseName).Warn("unsolicited notification: ", msg.Result.Diagnostic)
		if msg.ResponseName == oidNoticeOfDisconnection {
			mux.fail(errors.WithStack(ErrServerUnavailable))
		}
		return
	}
	mux.mu.Lock()
	defer mux.mu.Unlock()
	q := mux.table[msg.ID]
	if q == nil {
		return
	}
	if msg.IsFinal() {
		delete(mux.table, msg.ID)
	}
	q.AddMessage(msg)
}

const oidNoticeOfDisconnection = "1.3.6.1.4.1.1466.20036"

type statsReader struct{ mux *Muxer }

func (sr statsReader) Read(p []byte) (n int, err error) {
	n, err = sr.mux.ReadWriteCloser.Read(p)
	if n > 0 && sr.mux.StatsCollector != nil {
		sr.mux.StatsCollector.AddBytesRead(int64(n))
	}
	return
}

type statsWriter struct{ mux *Muxer }

func (sw statsWriter) Write(p []byte) (n int, err error) {
	n, err = sw.mux.ReadWriteCloser.Write(p)
	if n > 0 && sw.mux.StatsCollector != nil {
		sw.mux.StatsCollector.AddBytesWritten(int64(n))
	}
	return
}
