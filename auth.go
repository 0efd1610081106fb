// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"

	"github.com/pkg/errors"
)

// Binder sends bind requests on a connection being authenticated.
type Binder interface {
	Bind(ctx context.Context, req *BindRequest) (*Message, error)
}

// Authenticator establishes the bound identity of a connection.
type Authenticator interface {
	// Identity names the identity bound by Authenticate. It is used to
	// decide which connections may be shared and in cache keys.
	Identity() string
	// Authenticate performs the bind exchange.
	Authenticate(ctx context.Context, b Binder) error
}

// RebindFunc returns the credentials to use when following a referral to host:port.
type RebindFunc func(host string, port int) (dn, password string, err error)

// SimpleAuth is a simple (DN and password) bind.
type SimpleAuth struct {
	DN       string
	Password string
}

// Identity returns the normalized bind DN.
func (a *SimpleAuth) Identity() string { return NormalizeDN(a.DN) }

// Authenticate implements Authenticator.
func (a *SimpleAuth) Authenticate(ctx context.Context, b Binder) error {
	msg, err := b.Bind(ctx, &BindRequest{Version: 3, DN: a.DN, Password: a.Password})
	if err != nil {
		return err
	}
	return msg.Result.Err()
}

// SASLAuth runs a SASL exchange using a caller supplied mechanism.
// Step is called with the server challenge (nil on the first round)
// and returns the next client response.
type SASLAuth struct {
	Mechanism string
	AuthzID   string
	Step      func(challenge []byte) ([]byte, error)
}

// Identity returns the authorization identity.
func (a *SASLAuth) Identity() string { return a.AuthzID }

// Authenticate implements Authenticator.
func (a *SASLAuth) Authenticate(ctx context.Context, b Binder) error {
	var challenge []byte
	for {
		creds, err := a.Step(challenge)
		if err != nil {
			return errors.Wrap(err, a.Mechanism)
		}
		msg, err := b.Bind(ctx, &BindRequest{Version: 3, Mechanism: a.Mechanism, Credentials: creds})
		if err != nil {
			return err
		}
		if msg.Result.Code != ResultSaslBindInProgress {
			return msg.Result.Err()
		}
		challenge = msg.ResponseValue
	}
}

func identityOf(a Authenticator) string {
	if a == nil {
		return ""
	}
	return a.Identity()
}

type muxBinder struct {
	mux *Muxer
}

// Bind implements Binder.
func (b muxBinder) Bind(ctx context.Context, req *BindRequest) (*Message, error) {
	q := QueueAlloc(0)
	if _, err := b.mux.Submit(req, nil, q); err != nil {
		return nil, err
	}
	msg, err := awaitFinal(ctx, q)
	QueueFree(q)
	return msg, err
}

// authenticate binds mux using a, anonymously if a is nil.
func authenticate(ctx context.Context, mux *Muxer, a Authenticator) error {
	if a == nil {
		return nil
	}
	return a.Authenticate(ctx, muxBinder{mux})
}

// awaitFinal consumes messages from q until a final one arrives, honoring
// the deadline and cancellation of ctx.
func awaitFinal(ctx context.Context, q *Queue) (*Message, error) {
	stop := context.AfterFunc(ctx, func() { q.SetReadDeadline(aLongTimeAgo) })
	defer stop()
	for {
		msg, err := q.NextMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, err
		}
		if msg.IsFinal() {
			return msg, nil
		}
	}
}
