// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"encoding/hex"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/pkg/errors"
)

// Filter choice tags (RFC 4511 section 4.5.1.7).
const (
	filterAnd             = 0
	filterOr              = 1
	filterNot             = 2
	filterEqualityMatch   = 3
	filterSubstrings      = 4
	filterGreaterOrEqual  = 5
	filterLessOrEqual     = 6
	filterPresent         = 7
	filterApproxMatch     = 8
	filterExtensibleMatch = 9
)

var (
	// ErrEmptyFilter is returned for an empty filter string.
	ErrEmptyFilter = errors.New("empty filter")
	// ErrInvalidFilter is returned for a filter that does not follow RFC 4515.
	ErrInvalidFilter = errors.New("invalid filter syntax")
	// ErrUnbalancedParens is returned when parentheses do not match up.
	ErrUnbalancedParens = errors.New("unbalanced parentheses")
)

type filterNode struct {
	tag      int
	attr     string
	value    string
	rule     string // extensible match rule
	dnAttrs  bool   // extensible match :dn
	initial  string
	any      []string
	final    string
	children []*filterNode
}

// CompileFilter parses an RFC 4515 filter string into its BER encoding.
func CompileFilter(s string) (*ber.Packet, error) {
	f, err := parseFilterString(s)
	if err != nil {
		return nil, err
	}
	return f.encode(), nil
}

// CanonicalFilter returns a normalized rendering of a filter, with
// attribute descriptions lowercased and redundant whitespace removed.
func CanonicalFilter(s string) (string, error) {
	f, err := parseFilterString(s)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	f.render(&sb)
	return sb.String(), nil
}

func parseFilterString(s string) (*filterNode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.WithStack(ErrEmptyFilter)
	}
	if !strings.HasPrefix(s, "(") {
		s = "(" + s + ")"
	}
	f, rest, err := parseFilter(s)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, errors.Wrapf(ErrInvalidFilter, "trailing data %q", rest)
	}
	return f, nil
}

// parseFilter parses one parenthesized filter and returns the remaining input.
func parseFilter(s string) (*filterNode, string, error) {
	s = strings.TrimLeft(s, " ")
	if len(s) < 2 || s[0] != '(' {
		return nil, s, errors.WithStack(ErrInvalidFilter)
	}
	s = s[1:]
	var f *filterNode
	var err error
	switch s[0] {
	case '&', '|':
		f = &filterNode{tag: filterAnd}
		if s[0] == '|' {
			f.tag = filterOr
		}
		s = s[1:]
		for {
			s = strings.TrimLeft(s, " ")
			if s == "" {
				return nil, s, errors.WithStack(ErrUnbalancedParens)
			}
			if s[0] == ')' {
				break
			}
			var child *filterNode
			if child, s, err = parseFilter(s); err != nil {
				return nil, s, err
			}
			f.children = append(f.children, child)
		}
		if len(f.children) == 0 {
			return nil, s, errors.Wrap(ErrInvalidFilter, "empty filter set")
		}
	case '!':
		var child *filterNode
		if child, s, err = parseFilter(s[1:]); err != nil {
			return nil, s, err
		}
		f = &filterNode{tag: filterNot, children: []*filterNode{child}}
		s = strings.TrimLeft(s, " ")
	default:
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return nil, s, errors.WithStack(ErrUnbalancedParens)
		}
		if f, err = parseItem(s[:end]); err != nil {
			return nil, s, err
		}
		s = s[end:]
	}
	if s == "" || s[0] != ')' {
		return nil, s, errors.WithStack(ErrUnbalancedParens)
	}
	return f, s[1:], nil
}

func parseItem(s string) (f *filterNode, err error) {
	idx := strings.IndexByte(s, '=')
	if idx <= 0 {
		return nil, errors.Wrapf(ErrInvalidFilter, "missing attribute in %q", s)
	}
	attr, raw := s[:idx], s[idx+1:]
	f = &filterNode{tag: filterEqualityMatch}
	switch attr[len(attr)-1] {
	case '>':
		f.tag, attr = filterGreaterOrEqual, attr[:len(attr)-1]
	case '<':
		f.tag, attr = filterLessOrEqual, attr[:len(attr)-1]
	case '~':
		f.tag, attr = filterApproxMatch, attr[:len(attr)-1]
	case ':':
		f.tag, attr = filterExtensibleMatch, attr[:len(attr)-1]
		if err = f.parseExtensible(attr); err != nil {
			return nil, err
		}
		attr = f.attr
	}
	attr = strings.TrimSpace(attr)
	if attr == "" && f.tag != filterExtensibleMatch {
		return nil, errors.Wrapf(ErrInvalidFilter, "missing attribute in %q", s)
	}
	f.attr = attr

	if f.tag == filterEqualityMatch && strings.IndexByte(raw, '*') >= 0 {
		if raw == "*" {
			f.tag = filterPresent
			return f, nil
		}
		f.tag = filterSubstrings
		parts := strings.Split(raw, "*")
		for i, part := range parts {
			if part, err = unescapeFilterValue(part); err != nil {
				return nil, err
			}
			switch {
			case i == 0:
				f.initial = part
			case i == len(parts)-1:
				f.final = part
			case part != "":
				f.any = append(f.any, part)
			}
		}
		return f, nil
	}
	f.value, err = unescapeFilterValue(raw)
	return f, err
}

// parseExtensible parses "attr[:dn][:rule]" into the node.
func (f *filterNode) parseExtensible(s string) error {
	parts := strings.Split(s, ":")
	f.attr = parts[0]
	for _, p := range parts[1:] {
		if strings.EqualFold(p, "dn") {
			f.dnAttrs = true
		} else if p != "" {
			f.rule = p
		}
	}
	if f.attr == "" && f.rule == "" {
		return errors.Wrap(ErrInvalidFilter, "extensible match needs a type or a rule")
	}
	return nil
}

func unescapeFilterValue(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			sb.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Wrapf(ErrInvalidFilter, "truncated escape in %q", s)
		}
		b, err := hex.DecodeString(s[i+1 : i+3])
		if err != nil {
			return "", errors.Wrapf(ErrInvalidFilter, "bad escape in %q", s)
		}
		sb.WriteByte(b[0])
		i += 2
	}
	return sb.String(), nil
}

func escapeFilterValue(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*', '(', ')', '\\', 0:
			sb.WriteByte('\\')
			sb.WriteString(hex.EncodeToString([]byte{c}))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func (f *filterNode) encode() *ber.Packet {
	tag := ber.Tag(f.tag)
	switch f.tag {
	case filterAnd, filterOr:
		p := ber.Encode(ber.ClassContext, ber.TypeConstructed, tag, nil, "Filter Set")
		for _, child := range f.children {
			p.AppendChild(child.encode())
		}
		return p
	case filterNot:
		p := ber.Encode(ber.ClassContext, ber.TypeConstructed, tag, nil, "Not")
		p.AppendChild(f.children[0].encode())
		return p
	case filterPresent:
		return ber.NewString(ber.ClassContext, ber.TypePrimitive, tag, f.attr, "Present")
	case filterSubstrings:
		p := ber.Encode(ber.ClassContext, ber.TypeConstructed, tag, nil, "Substrings")
		p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, f.attr, "Type"))
		subs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Substrings")
		if f.initial != "" {
			subs.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, f.initial, "Initial"))
		}
		for _, a := range f.any {
			subs.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, a, "Any"))
		}
		if f.final != "" {
			subs.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 2, f.final, "Final"))
		}
		p.AppendChild(subs)
		return p
	case filterExtensibleMatch:
		p := ber.Encode(ber.ClassContext, ber.TypeConstructed, tag, nil, "Extensible Match")
		if f.rule != "" {
			p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, f.rule, "Matching Rule"))
		}
		if f.attr != "" {
			p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 2, f.attr, "Type"))
		}
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 3, f.value, "Match Value"))
		if f.dnAttrs {
			p.AppendChild(ber.NewBoolean(ber.ClassContext, ber.TypePrimitive, 4, true, "DN Attributes"))
		}
		return p
	}
	p := ber.Encode(ber.ClassContext, ber.TypeConstructed, tag, nil, "Attribute Value Assertion")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, f.attr, "Type"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, f.value, "Value"))
	return p
}

func (f *filterNode) render(sb *strings.Builder) {
	sb.WriteByte('(')
	switch f.tag {
	case filterAnd, filterOr, filterNot:
		sb.WriteByte("&|!"[f.tag])
		for _, child := range f.children {
			child.render(sb)
		}
	case filterPresent:
		sb.WriteString(strings.ToLower(f.attr))
		sb.WriteString("=*")
	case filterSubstrings:
		sb.WriteString(strings.ToLower(f.attr))
		sb.WriteByte('=')
		sb.WriteString(escapeFilterValue(f.initial))
		sb.WriteByte('*')
		for _, a := range f.any {
			sb.WriteString(escapeFilterValue(a))
			sb.WriteByte('*')
		}
		sb.WriteString(escapeFilterValue(f.final))
	case filterExtensibleMatch:
		sb.WriteString(strings.ToLower(f.attr))
		if f.dnAttrs {
			sb.WriteString(":dn")
		}
		if f.rule != "" {
			sb.WriteByte(':')
			sb.WriteString(f.rule)
		}
		sb.WriteString(":=")
		sb.WriteString(escapeFilterValue(f.value))
	default:
		sb.WriteString(strings.ToLower(f.attr))
		sb.WriteString([...]string{
			filterEqualityMatch:  "=",
			filterGreaterOrEqual: ">=",
			filterLessOrEqual:    "<=",
			filterApproxMatch:    "~=",
		}[f.tag])
		sb.WriteString(escapeFilterValue(f.value))
	}
	sb.WriteByte(')')
}
