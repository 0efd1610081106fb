// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"context"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type binderFunc func(ctx context.Context, req *BindRequest) (*Message, error)

func (fn binderFunc) Bind(ctx context.Context, req *BindRequest) (*Message, error) {
	return fn(ctx, req)
}

func bindResult(code ResultCode, creds string) *Message {
	msg := &Message{Kind: KindResponse, Op: ApplicationBindResponse, Result: Result{Code: code}}
	if creds != "" {
		msg.ResponseValue = []byte(creds)
	}
	return msg
}

func Test_SimpleAuth(t *testing.T) {
	a := &SimpleAuth{DN: "CN=Admin, DC=x", Password: "pw"}
	assert.Equal(t, "cn=admin,dc=x", a.Identity())

	var got *BindRequest
	err := a.Authenticate(context.Background(), binderFunc(func(_ context.Context, req *BindRequest) (*Message, error) {
		got = req
		return bindResult(ResultSuccess, ""), nil
	}))
	require.NoError(t, err)
	assert.Equal(t, &BindRequest{Version: 3, DN: "CN=Admin, DC=x", Password: "pw"}, got)

	err = a.Authenticate(context.Background(), binderFunc(func(context.Context, *BindRequest) (*Message, error) {
		return bindResult(ResultInvalidCredentials, ""), nil
	}))
	assert.Equal(t, ResultInvalidCredentials, ResultCodeOf(err))

	err = a.Authenticate(context.Background(), binderFunc(func(context.Context, *BindRequest) (*Message, error) {
		return nil, errors.WithStack(ErrServerUnavailable)
	}))
	assert.True(t, IsTransportError(err))
}

func Test_SASLAuth_steps(t *testing.T) {
	var challenges []string
	a := &SASLAuth{
		Mechanism: "TEST",
		AuthzID:   "u:alice",
		Step: func(challenge []byte) ([]byte, error) {
			challenges = append(challenges, string(challenge))
			return []byte("r" + string(challenge)), nil
		},
	}
	assert.Equal(t, "u:alice", a.Identity())

	var sent []string
	err := a.Authenticate(context.Background(), binderFunc(func(_ context.Context, req *BindRequest) (*Message, error) {
		assert.Equal(t, "TEST", req.Mechanism)
		sent = append(sent, string(req.Credentials))
		if len(sent) < 3 {
			return bindResult(ResultSaslBindInProgress, "c"+string(rune('0'+len(sent)))), nil
		}
		return bindResult(ResultSuccess, ""), nil
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"", "c1", "c2"}, challenges)
	assert.Equal(t, []string{"r", "rc1", "rc2"}, sent)
}

func Test_SASLAuth_step_error(t *testing.T) {
	a := &SASLAuth{
		Mechanism: "TEST",
		Step: func(challenge []byte) ([]byte, error) {
			if challenge != nil {
				return nil, errors.New("bad challenge")
			}
			return nil, nil
		},
	}
	err := a.Authenticate(context.Background(), binderFunc(func(context.Context, *BindRequest) (*Message, error) {
		return bindResult(ResultSaslBindInProgress, "x"), nil
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST")
	assert.Contains(t, err.Error(), "bad challenge")
}

func Test_SASLAuth_over_muxer(t *testing.T) {
	defer leaktest.Check(t)()
	mux, ts := newTestPair(t, func(ts *testServer, req testRequest) bool {
		if req.Tag != ApplicationBindRequest {
			return false
		}
		sasl := req.Op.Children[2]
		code := ResultSuccess
		if len(sasl.Children) < 2 {
			code = ResultSaslBindInProgress
		}
		op := resultOp(ApplicationBindResponse, code, "")
		_ = ts.send(envelope(req.ID, op))
		return true
	})
	defer ts.Close()
	defer mux.Close()

	rounds := 0
	a := &SASLAuth{
		Mechanism: "EXTERNAL",
		Step: func(challenge []byte) ([]byte, error) {
			rounds++
			if rounds == 1 {
				return nil, nil
			}
			return []byte("dn:cn=x"), nil
		},
	}
	require.NoError(t, authenticate(context.Background(), mux, a))
	assert.Equal(t, 2, rounds)
	assert.NoError(t, authenticate(context.Background(), mux, nil))
}
