// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testWait = 5 * time.Second

type testRequest struct {
	ID       MessageID
	Tag      int
	Op       *ber.Packet
	Controls *ber.Packet
}

// bindDN returns the name of a bind request.
func (req testRequest) bindDN() string {
	return packetString(req.Op.Children[1])
}

// testHandler answers a request. Returning false queues the request
// for the test to answer by hand.
type testHandler func(ts *testServer, req testRequest) bool

// testServer is a scripted directory server on one end of a net.Pipe.
type testServer struct {
	t        *testing.T
	Endpoint Endpoint
	conn     net.Conn
	wmu      sync.Mutex
	handler  testHandler
	reqs     chan testRequest
	done     chan struct{}
}

func newTestServer(t *testing.T, conn net.Conn, ep Endpoint, handler testHandler) *testServer {
	ts := &testServer{
		t:        t,
		Endpoint: ep,
		conn:     conn,
		handler:  handler,
		reqs:     make(chan testRequest, 1024),
		done:     make(chan struct{}),
	}
	go ts.serve()
	return ts
}

// newTestPair returns a started Muxer connected to a testServer.
func newTestPair(t *testing.T, handler testHandler) (*Muxer, *testServer) {
	c, s := net.Pipe()
	ts := newTestServer(t, s, Endpoint{}, handler)
	mux := NewMuxer(c, nil)
	mux.Start()
	return mux, ts
}

func (ts *testServer) serve() {
	defer close(ts.done)
	for {
		p, err := ber.ReadPacket(ts.conn)
		if err != nil {
			return
		}
		id, _ := packetInt(p.Children[0])
		req := testRequest{ID: MessageID(id), Tag: int(p.Children[1].Tag), Op: p.Children[1]}
		if len(p.Children) > 2 {
			req.Controls = p.Children[2]
		}
		if ts.handler != nil && ts.handler(ts, req) {
			continue
		}
		ts.reqs <- req
	}
}

// next returns the next request with the given tag, skipping others.
func (ts *testServer) next(tag int) testRequest {
	timeout := time.After(testWait)
	for {
		select {
		case req := <-ts.reqs:
			if req.Tag == tag {
				return req
			}
		case <-timeout:
			require.FailNow(ts.t, "timed out waiting for request", "tag %d", tag)
		}
	}
}

// send writes the packets to the client.
func (ts *testServer) send(packets ...*ber.Packet) error {
	ts.wmu.Lock()
	defer ts.wmu.Unlock()
	for _, p := range packets {
		if _, err := ts.conn.Write(p.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Close drops the connection and waits for the server to stop.
func (ts *testServer) Close() {
	ts.conn.Close()
	<-ts.done
}

func envelope(id MessageID, op *ber.Packet) *ber.Packet {
	p := sequence("LDAP Message")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(id), "Message ID"))
	p.AppendChild(op)
	return p
}

func resultOp(tag int, code ResultCode, diag string, referrals ...string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(tag), nil, "Result")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "Result Code"))
	op.AppendChild(octetString("", "Matched DN"))
	op.AppendChild(octetString(diag, "Diagnostic"))
	if len(referrals) > 0 {
		refs := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "Referral")
		for _, u := range referrals {
			refs.AppendChild(octetString(u, "URL"))
		}
		op.AppendChild(refs)
	}
	return op
}

// donePacket is a final response with the given code.
func donePacket(id MessageID, tag int, code ResultCode, referrals ...string) *ber.Packet {
	return envelope(id, resultOp(tag, code, "", referrals...))
}

// entryPacket is a search result entry. Attributes are given as "name=value".
func entryPacket(id MessageID, dn string, attrs ...string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchResultEntry, nil, "Entry")
	op.AppendChild(octetString(dn, "DN"))
	list := sequence("Attributes")
	for _, a := range attrs {
		kv := strings.SplitN(a, "=", 2)
		ap := sequence("Attribute")
		ap.AppendChild(octetString(kv[0], "Type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
		vals.AppendChild(octetString(kv[1], "Value"))
		ap.AppendChild(vals)
		list.AppendChild(ap)
	}
	op.AppendChild(list)
	return envelope(id, op)
}

// refPacket is a search result continuation reference.
func refPacket(id MessageID, urls ...string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchResultReference, nil, "Reference")
	for _, u := range urls {
		op.AppendChild(octetString(u, "URL"))
	}
	return envelope(id, op)
}

// noticePacket is an unsolicited notice of disconnection.
func noticePacket() *ber.Packet {
	op := resultOp(ApplicationExtendedResponse, ResultUnavailable, "shutting down")
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, oidNoticeOfDisconnection, "Response Name"))
	return envelope(0, op)
}

// directory answers requests from tables keyed by "host/dn". Searches are
// answered with the entries under their base, other operations with
// success. Unbind and abandon are swallowed.
type directory struct {
	mu            sync.Mutex
	entries       map[string][]string // search base to entry DNs
	continuations map[string][]string // search base to continuation reference URLs
	referrals     map[string][]string // target DN to referral URLs
	silent        map[string]bool     // target DNs never answered
	passwords     map[string]string   // bind DN to password
	requests      map[string]int      // host to number of operations
	binds         []string
}

func newDirectory() *directory {
	return &directory{
		entries:       make(map[string][]string),
		continuations: make(map[string][]string),
		referrals:     make(map[string][]string),
		silent:        make(map[string]bool),
		passwords:     make(map[string]string),
		requests:      make(map[string]int),
	}
}

// Requests returns the number of operations other than bind seen by host.
func (d *directory) Requests(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[host]
}

// Binds returns the DNs bound so far.
func (d *directory) Binds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.binds...)
}

// targetDN returns the DN an operation applies to.
func (req testRequest) targetDN() string {
	switch req.Tag {
	case ApplicationDelRequest:
		return packetString(req.Op)
	case ApplicationExtendedRequest:
		return ""
	}
	return packetString(req.Op.Children[0])
}

func (d *directory) handle(ts *testServer, req testRequest) bool {
	switch req.Tag {
	case ApplicationUnbindRequest, ApplicationAbandonRequest:
		return true
	case ApplicationBindRequest:
		dn := req.bindDN()
		password := packetString(req.Op.Children[2])
		d.mu.Lock()
		d.binds = append(d.binds, dn)
		want, ok := d.passwords[dn]
		d.mu.Unlock()
		code := ResultSuccess
		if dn != "" && (!ok || want != password) {
			code = ResultInvalidCredentials
		}
		_ = ts.send(donePacket(req.ID, ApplicationBindResponse, code))
		return true
	}

	key := ts.Endpoint.Host + "/" + NormalizeDN(req.targetDN())
	d.mu.Lock()
	d.requests[ts.Endpoint.Host]++
	dns, conts, refs, silent := d.entries[key], d.continuations[key], d.referrals[key], d.silent[key]
	_, referred := d.referrals[key]
	d.mu.Unlock()

	doneTag := req.Tag + 1
	if req.Tag == ApplicationSearchRequest {
		doneTag = ApplicationSearchResultDone
	}
	switch {
	case silent:
		return true
	case referred:
		_ = ts.send(donePacket(req.ID, doneTag, ResultReferral, refs...))
		return true
	}
	switch req.Tag {
	case ApplicationSearchRequest:
		for _, dn := range dns {
			_ = ts.send(entryPacket(req.ID, dn, "cn="+dn))
		}
		if len(conts) > 0 {
			_ = ts.send(refPacket(req.ID, conts...))
		}
		_ = ts.send(donePacket(req.ID, doneTag, ResultSuccess))
	case ApplicationDelRequest:
		code := ResultSuccess
		if strings.HasPrefix(req.targetDN(), "cn=missing") {
			code = ResultNoSuchObject
		}
		_ = ts.send(donePacket(req.ID, doneTag, code))
	case ApplicationCompareRequest:
		_ = ts.send(donePacket(req.ID, doneTag, ResultCompareTrue))
	default:
		_ = ts.send(donePacket(req.ID, doneTag, ResultSuccess))
	}
	return true
}

// testNet dials testServers by host name.
type testNet struct {
	t       *testing.T
	handler testHandler
	mu      sync.Mutex
	servers []*testServer
	dials   map[string]int
	down    map[string]bool
}

func newTestNet(t *testing.T, handler testHandler) *testNet {
	return &testNet{
		t:       t,
		handler: handler,
		dials:   make(map[string]int),
		down:    make(map[string]bool),
	}
}

func (tn *testNet) Dial(ctx context.Context, ep Endpoint) (io.ReadWriteCloser, error) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.dials[ep.Host]++
	if tn.down[ep.Host] {
		return nil, errors.Errorf("dial %v: connection refused", ep)
	}
	c, s := net.Pipe()
	ts := newTestServer(tn.t, s, ep, tn.handler)
	tn.servers = append(tn.servers, ts)
	return c, nil
}

func (tn *testNet) Dials(host string) int {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return tn.dials[host]
}

func (tn *testNet) SetDown(host string, down bool) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.down[host] = down
}

// Server returns the most recent server dialed for host.
func (tn *testNet) Server(host string) *testServer {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	for i := len(tn.servers) - 1; i >= 0; i-- {
		if tn.servers[i].Endpoint.Host == host {
			return tn.servers[i]
		}
	}
	return nil
}

func (tn *testNet) Close() {
	tn.mu.Lock()
	servers := tn.servers
	tn.servers = nil
	tn.mu.Unlock()
	for _, ts := range servers {
		ts.Close()
	}
}

// newTestPool returns a Pool dialing into tn.
func newTestPool(tn *testNet, opts ...PoolOption) *Pool {
	return NewPool(append([]PoolOption{WithDialer(tn)}, opts...)...)
}
