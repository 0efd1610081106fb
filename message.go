// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"fmt"
	"strings"
	"time"
)

// MessageID identifies an in-progress request on a Muxer.
type MessageID int32

func (id MessageID) String() string {
	return fmt.Sprintf("[ID %d]", int32(id))
}

// MessageKind classifies an inbound message.
type MessageKind int

const (
	// KindResponse is a final LDAPResult for an operation.
	KindResponse MessageKind = iota
	// KindSearchEntry is a partial search result carrying an entry.
	KindSearchEntry
	// KindSearchReference is a partial search result carrying continuation references.
	KindSearchReference
	// KindExtendedResponse is a final extended operation response.
	KindExtendedResponse
	// KindIntermediate is a partial intermediate response (RFC 4511 4.13).
	KindIntermediate
)

var messageKindTexts = [...]string{
	KindResponse:         "Response",
	KindSearchEntry:      "SearchEntry",
	KindSearchReference:  "SearchReference",
	KindExtendedResponse: "ExtendedResponse",
	KindIntermediate:     "Intermediate",
}

func (k MessageKind) String() string {
	if k >= 0 && int(k) < len(messageKindTexts) {
		return messageKindTexts[k]
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// Protocol operation application tags (RFC 4511 section 4.2 onwards).
const (
	ApplicationBindRequest           = 0
	ApplicationBindResponse          = 1
	ApplicationUnbindRequest         = 2
	ApplicationSearchRequest         = 3
	ApplicationSearchResultEntry     = 4
	ApplicationSearchResultDone      = 5
	ApplicationModifyRequest         = 6
	ApplicationModifyResponse        = 7
	ApplicationAddRequest            = 8
	ApplicationAddResponse           = 9
	ApplicationDelRequest            = 10
	ApplicationDelResponse           = 11
	ApplicationModifyDNRequest       = 12
	ApplicationModifyDNResponse      = 13
	ApplicationCompareRequest        = 14
	ApplicationCompareResponse       = 15
	ApplicationAbandonRequest        = 16
	ApplicationSearchResultReference = 19
	ApplicationExtendedRequest       = 23
	ApplicationExtendedResponse      = 24
	ApplicationIntermediateResponse  = 25
)

// Result is the LDAPResult part of a final response.
type Result struct {
	Code       ResultCode
	MatchedDN  string
	Diagnostic string
	Referrals  []string
}

// Err returns nil for success-like codes, a *ResultError otherwise.
// Referral results are not errors here; the referral resolver handles them.
func (r Result) Err() error {
	switch r.Code {
	case ResultSuccess, ResultCompareFalse, ResultCompareTrue, ResultReferral:
		return nil
	}
	return &ResultError{Code: r.Code, MatchedDN: r.MatchedDN, Diagnostic: r.Diagnostic}
}

// Attribute is a named, multi-valued entry attribute.
type Attribute struct {
	Name   string
	Values []string
}

// Entry is a directory entry returned by a search.
type Entry struct {
	DN         string
	Attributes []Attribute
}

// Get returns the values of the named attribute, matched case-insensitively.
func (e *Entry) Get(name string) []string {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a.Values
		}
	}
	return nil
}

// Message is a decoded inbound protocol message.
type Message struct {
	ID            MessageID
	Kind          MessageKind
	Op            int // application tag of the protocolOp
	Result        Result
	Entry         *Entry
	References    []string
	ResponseName  string
	ResponseValue []byte
	Controls      []Control
	Size          int   // encoded size in bytes
	Err           error // non-nil for synthetic in-stream conditions
	mux           *Muxer
}

// IsFinal returns true if the message terminates its operation.
func (m *Message) IsFinal() bool {
	return m.Kind == KindResponse || m.Kind == KindExtendedResponse
}

func (m *Message) String() string {
	switch m.Kind {
	case KindSearchEntry:
		return fmt.Sprintf("[Message %v %v %q]", m.ID, m.Kind, m.Entry.DN)
	case KindSearchReference:
		return fmt.Sprintf("[Message %v %v %v]", m.ID, m.Kind, m.References)
	}
	return fmt.Sprintf("[Message %v %v %v]", m.ID, m.Kind, m.Result.Code)
}

// Operation is an outbound protocol request.
type Operation interface {
	// Tag returns the application tag of the request.
	Tag() int
	// OneWay is true for requests that get no reply (Abandon, Unbind).
	OneWay() bool
	// Validate reports malformed parameters before any I/O.
	Validate() error
	// WithDN returns a copy of the request aimed at another DN.
	WithDN(dn string) Operation
}

// Scope is a search scope.
type Scope int

const (
	ScopeBaseObject   Scope = 0
	ScopeSingleLevel  Scope = 1
	ScopeWholeSubtree Scope = 2
)

func (s Scope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// DerefAliases controls alias dereferencing during a search.
type DerefAliases int

const (
	NeverDerefAliases   DerefAliases = 0
	DerefInSearching    DerefAliases = 1
	DerefFindingBaseObj DerefAliases = 2
	DerefAlways         DerefAliases = 3
)

// BindRequest is a simple or SASL bind.
type BindRequest struct {
	Version     int
	DN          string
	Password    string
	Mechanism   string // SASL mechanism, empty for simple bind
	Credentials []byte // SASL credentials
}

func (r *BindRequest) Tag() int     { return ApplicationBindRequest }
func (r *BindRequest) OneWay() bool { return false }

func (r *BindRequest) Validate() error {
	if r.Mechanism == "" && r.DN == "" && r.Password != "" {
		return &ParameterError{"password", "unauthenticated bind with a password"}
	}
	return nil
}

func (r *BindRequest) WithDN(dn string) Operation {
	c := *r
	if dn != "" {
		c.DN = dn
	}
	return &c
}

// UnbindRequest terminates the connection. It gets no reply.
type UnbindRequest struct{}

func (r *UnbindRequest) Tag() int                   { return ApplicationUnbindRequest }
func (r *UnbindRequest) OneWay() bool               { return true }
func (r *UnbindRequest) Validate() error            { return nil }
func (r *UnbindRequest) WithDN(dn string) Operation { return r }

// AbandonRequest asks the server to stop processing an operation. It gets no reply.
type AbandonRequest struct {
	ID MessageID
}

func (r *AbandonRequest) Tag() int     { return ApplicationAbandonRequest }
func (r *AbandonRequest) OneWay() bool { return true }

func (r *AbandonRequest) Validate() error {
	if r.ID < 1 {
		return &ParameterError{"id", "abandon of invalid message id"}
	}
	return nil
}

func (r *AbandonRequest) WithDN(dn string) Operation { return r }

// SearchRequest is a search operation.
type SearchRequest struct {
	BaseDN     string
	Scope      Scope
	Deref      DerefAliases
	SizeLimit  int
	TimeLimit  time.Duration
	TypesOnly  bool
	Filter     string
	Attributes []string
}

func (r *SearchRequest) Tag() int     { return ApplicationSearchRequest }
func (r *SearchRequest) OneWay() bool { return false }

func (r *SearchRequest) Validate() error {
	if r.Scope < ScopeBaseObject || r.Scope > ScopeWholeSubtree {
		return &ParameterError{"scope", fmt.Sprintf("unknown scope %d", int(r.Scope))}
	}
	if r.SizeLimit < 0 {
		return &ParameterError{"sizelimit", "negative"}
	}
	if r.TimeLimit < 0 {
		return &ParameterError{"timelimit", "negative"}
	}
	if _, err := CompileFilter(r.filter()); err != nil {
		return &ParameterError{"filter", err.Error()}
	}
	return nil
}

func (r *SearchRequest) filter() string {
	if r.Filter == "" {
		return "(objectClass=*)"
	}
	return r.Filter
}

func (r *SearchRequest) WithDN(dn string) Operation {
	c := *r
	if dn != "" {
		c.BaseDN = dn
	}
	return &c
}

// ModifyOp is a modification type.
type ModifyOp int

const (
	ModifyAdd     ModifyOp = 0
	ModifyDelete  ModifyOp = 1
	ModifyReplace ModifyOp = 2
)

// Modification is one change in a ModifyRequest.
type Modification struct {
	Op        ModifyOp
	Attribute Attribute
}

// ModifyRequest modifies an entry.
type ModifyRequest struct {
	DN      string
	Changes []Modification
}

func (r *ModifyRequest) Tag() int     { return ApplicationModifyRequest }
func (r *ModifyRequest) OneWay() bool { return false }

func (r *ModifyRequest) Validate() error {
	if r.DN == "" {
		return &ParameterError{"dn", "empty"}
	}
	for _, c := range r.Changes {
		if c.Op < ModifyAdd || c.Op > ModifyReplace {
			return &ParameterError{"operation", fmt.Sprintf("unknown modify operation %d", int(c.Op))}
		}
	}
	return nil
}

func (r *ModifyRequest) WithDN(dn string) Operation {
	c := *r
	if dn != "" {
		c.DN = dn
	}
	return &c
}

// AddRequest adds an entry.
type AddRequest struct {
	DN         string
	Attributes []Attribute
}

func (r *AddRequest) Tag() int     { return ApplicationAddRequest }
func (r *AddRequest) OneWay() bool { return false }

func (r *AddRequest) Validate() error {
	if r.DN == "" {
		return &ParameterError{"dn", "empty"}
	}
	return nil
}

func (r *AddRequest) WithDN(dn string) Operation {
	c := *r
	if dn != "" {
		c.DN = dn
	}
	return &c
}

// DeleteRequest deletes an entry.
type DeleteRequest struct {
	DN string
}

func (r *DeleteRequest) Tag() int     { return ApplicationDelRequest }
func (r *DeleteRequest) OneWay() bool { return false }

func (r *DeleteRequest) Validate() error {
	if r.DN == "" {
		return &ParameterError{"dn", "empty"}
	}
	return nil
}

func (r *DeleteRequest) WithDN(dn string) Operation {
	c := *r
	if dn != "" {
		c.DN = dn
	}
	return &c
}

// ModifyDNRequest renames or moves an entry.
type ModifyDNRequest struct {
	DN           string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
}

func (r *ModifyDNRequest) Tag() int     { return ApplicationModifyDNRequest }
func (r *ModifyDNRequest) OneWay() bool { return false }

func (r *ModifyDNRequest) Validate() error {
	if r.DN == "" {
		return &ParameterError{"dn", "empty"}
	}
	if r.NewRDN == "" {
		return &ParameterError{"newrdn", "empty"}
	}
	return nil
}

func (r *ModifyDNRequest) WithDN(dn string) Operation {
	c := *r
	if dn != "" {
		c.DN = dn
	}
	return &c
}

// CompareRequest compares an attribute value assertion against an entry.
type CompareRequest struct {
	DN        string
	Attribute string
	Value     string
}

func (r *CompareRequest) Tag() int     { return ApplicationCompareRequest }
func (r *CompareRequest) OneWay() bool { return false }

func (r *CompareRequest) Validate() error {
	if r.DN == "" {
		return &ParameterError{"dn", "empty"}
	}
	if r.Attribute == "" {
		return &ParameterError{"attribute", "empty"}
	}
	return nil
}

func (r *CompareRequest) WithDN(dn string) Operation {
	c := *r
	if dn != "" {
		c.DN = dn
	}
	return &c
}

// ExtendedRequest is an extended operation.
type ExtendedRequest struct {
	Name  string
	Value []byte
}

// Well-known extended operation OIDs.
const (
	OIDStartTLS = "1.3.6.1.4.1.1466.20037"
	OIDWhoAmI   = "1.3.6.1.4.1.4203.1.11.3"
)

func (r *ExtendedRequest) Tag() int     { return ApplicationExtendedRequest }
func (r *ExtendedRequest) OneWay() bool { return false }

func (r *ExtendedRequest) Validate() error {
	if r.Name == "" {
		return &ParameterError{"name", "empty extended request OID"}
	}
	return nil
}

func (r *ExtendedRequest) WithDN(dn string) Operation { return r }
