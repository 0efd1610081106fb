// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ErrServerUnavailable is delivered to every outstanding operation
// when the shared transport fails. It is fatal to the Muxer.
var ErrServerUnavailable = serverUnavailableError{}

type serverUnavailableError struct{}

func (serverUnavailableError) Error() string          { return "server unavailable: transport lost" }
func (serverUnavailableError) ResultCode() ResultCode { return ResultServerDown }

// ErrMuxerClosed is returned when submitting on a Muxer that has been torn down.
var ErrMuxerClosed = muxerClosedError{}

type muxerClosedError struct{}

func (muxerClosedError) Error() string          { return "connection unavailable" }
func (muxerClosedError) ResultCode() ResultCode { return ResultServerDown }

// ErrQueueDrained is the "no more messages" signal from a Queue that has
// no outstanding requests left. errors.Cause() of it is io.EOF.
var ErrQueueDrained = io.EOF

// ErrHopLimitExceeded is returned when following a referral would exceed
// the hop limit.
var ErrHopLimitExceeded = hopLimitError{}

type hopLimitError struct{}

func (hopLimitError) Error() string          { return "referral hop limit exceeded" }
func (hopLimitError) ResultCode() ResultCode { return ResultReferralLimitExceeded }

// ErrNoReferralTargets is returned when a referral carries no usable location.
var ErrNoReferralTargets = noReferralTargetsError{}

type noReferralTargetsError struct{}

func (noReferralTargetsError) Error() string          { return "referral has no target locations" }
func (noReferralTargetsError) ResultCode() ResultCode { return ResultReferral }

// ErrSessionClosed is returned when using a Session after Disconnect.
var ErrSessionClosed = errors.New("session disconnected")

// ErrPoolClosed is returned when connecting through a closed Pool.
var ErrPoolClosed = errors.New("pool closed")

// ErrNotCacheable is returned by Cache.Key when the search base is not
// within the configured cacheable base DNs. Callers proceed uncached.
var ErrNotCacheable = errors.New("search base not cacheable")

// ResultError is a protocol error: a non-success result code returned by the server.
type ResultError struct {
	Code       ResultCode
	MatchedDN  string
	Diagnostic string
}

func (e *ResultError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ldap result %d (%v)", int(e.Code), e.Code)
	if e.Diagnostic != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Diagnostic)
	}
	if e.MatchedDN != "" {
		fmt.Fprintf(&sb, " [matched %q]", e.MatchedDN)
	}
	return sb.String()
}

// ResultCode returns the server result code.
func (e *ResultError) ResultCode() ResultCode { return e.Code }

// ReferralError is the caller-visible redirection condition, returned when
// referral following is disabled. It carries the candidate locations.
type ReferralError struct {
	URLs       []string
	Diagnostic string
}

func (e *ReferralError) Error() string {
	return fmt.Sprintf("referral to %s", strings.Join(e.URLs, ", "))
}

// ResultCode returns ResultReferral.
func (e *ReferralError) ResultCode() ResultCode { return ResultReferral }

// ParameterError reports a malformed request detected before any I/O.
type ParameterError struct {
	Param  string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Reason)
}

// ResultCode returns ResultParamError.
func (e *ParameterError) ResultCode() ResultCode { return ResultParamError }

// ConnectError reports that no server could be reached.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "connect failed: " + e.Err.Error() }

// Unwrap returns the underlying dial errors.
func (e *ConnectError) Unwrap() error { return e.Err }

// ResultCode returns ResultConnectError.
func (e *ConnectError) ResultCode() ResultCode { return ResultConnectError }

type timeoutError struct{}

func (timeoutError) Error() string          { return "deadline exceeded" }
func (timeoutError) Timeout() bool          { return true }
func (timeoutError) Temporary() bool        { return true }
func (timeoutError) ResultCode() ResultCode { return ResultTimeout }

type resultCoder interface {
	ResultCode() ResultCode
}

// ResultCodeOf returns the LDAP result code carried by err, ResultSuccess
// for nil and ResultOther for errors that carry none.
func ResultCodeOf(err error) ResultCode {
	if err == nil {
		return ResultSuccess
	}
	if rc, ok := errors.Cause(err).(resultCoder); ok {
		return rc.ResultCode()
	}
	return ResultOther
}

// IsTransportError returns true if err means the shared connection was lost.
func IsTransportError(err error) bool {
	switch errors.Cause(err) {
	case ErrServerUnavailable, ErrMuxerClosed:
		return true
	}
	return false
}

// IsReferral returns the ReferralError if err is a surfaced redirection.
func IsReferral(err error) (*ReferralError, bool) {
	re, ok := errors.Cause(err).(*ReferralError)
	return re, ok
}

func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case ErrMuxerClosed, ErrServerUnavailable:
		return true
	case io.ErrClosedPipe:
		return true
	case io.EOF:
		return true
	}
	return false
}
