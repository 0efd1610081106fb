// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"fmt"
	"io"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/pkg/errors"
)

// Codec encodes outbound requests and decodes inbound messages.
type Codec interface {
	// Encode writes one framed request to w.
	Encode(w io.Writer, id MessageID, op Operation, controls []Control) error
	// Decode reads exactly one framed message from r.
	Decode(r io.Reader) (*Message, error)
}

// DecodeError reports a frame that could not be decoded.
// It is fatal to a Muxer since the stream can no longer be trusted.
type DecodeError struct {
	Reason string
}

func (e DecodeError) Error() string          { return "decoding error: " + e.Reason }
func (e DecodeError) ResultCode() ResultCode { return ResultDecodingError }

// BERCodec is the LDAPv3 BER codec.
type BERCodec struct{}

var _ Codec = BERCodec{}

// Encode implements Codec.
func (BERCodec) Encode(w io.Writer, id MessageID, op Operation, controls []Control) (err error) {
	var p *ber.Packet
	if p, err = encodeMessage(id, op, controls); err == nil {
		_, err = w.Write(p.Bytes())
	}
	return errors.WithStack(err)
}

// Decode implements Codec.
func (BERCodec) Decode(r io.Reader) (*Message, error) {
	cr := countingReader{r: r}
	p, err := ber.ReadPacket(&cr)
	if err != nil {
		switch cause := errors.Cause(err); {
		case cr.n == 0 && cause == io.ErrUnexpectedEOF:
			// clean end of stream between frames
			err = io.EOF
		case cr.n > 0 && cause == io.EOF:
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.WithStack(err)
	}
	msg, err := decodeMessage(p)
	if err != nil {
		return nil, err
	}
	msg.Size = cr.n
	return msg, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	cr.n += n
	return
}

func octetString(s, desc string) *ber.Packet {
	return ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, s, desc)
}

func sequence(desc string) *ber.Packet {
	return ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, desc)
}

func encodeMessage(id MessageID, op Operation, controls []Control) (*ber.Packet, error) {
	body, err := encodeOperation(op)
	if err != nil {
		return nil, err
	}
	p := sequence("LDAP Message")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(id), "Message ID"))
	p.AppendChild(body)
	if len(controls) > 0 {
		p.AppendChild(encodeControls(controls))
	}
	return p, nil
}

func encodeControls(controls []Control) *ber.Packet {
	seq := ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "Controls")
	for _, c := range controls {
		cp := sequence("Control")
		cp.AppendChild(octetString(c.OID(), "Control Type"))
		if c.Critical() {
			cp.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
		}
		if v := c.Value(); v != nil {
			cp.AppendChild(octetString(string(v), "Control Value"))
		}
		seq.AppendChild(cp)
	}
	return seq
}

func encodeAttributes(attrs []Attribute, desc string) *ber.Packet {
	seq := sequence(desc)
	for _, a := range attrs {
		ap := sequence("Attribute")
		ap.AppendChild(octetString(a.Name, "Type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
		for _, v := range a.Values {
			vals.AppendChild(octetString(v, "Value"))
		}
		ap.AppendChild(vals)
		seq.AppendChild(ap)
	}
	return seq
}

func encodeOperation(op Operation) (*ber.Packet, error) {
	tag := ber.Tag(op.Tag())
	switch r := op.(type) {
	case *BindRequest:
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Bind Request")
		version := r.Version
		if version == 0 {
			version = 3
		}
		p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(version), "Version"))
		p.AppendChild(octetString(r.DN, "Name"))
		if r.Mechanism == "" {
			p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Password, "Simple"))
		} else {
			sasl := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "SASL")
			sasl.AppendChild(octetString(r.Mechanism, "Mechanism"))
			if r.Credentials != nil {
				sasl.AppendChild(octetString(string(r.Credentials), "Credentials"))
			}
			p.AppendChild(sasl)
		}
		return p, nil
	case *UnbindRequest:
		return ber.Encode(ber.ClassApplication, ber.TypePrimitive, tag, nil, "Unbind Request"), nil
	case *AbandonRequest:
		return ber.NewInteger(ber.ClassApplication, ber.TypePrimitive, tag, int64(r.ID), "Abandon Request"), nil
	case *SearchRequest:
		filter, err := CompileFilter(r.filter())
		if err != nil {
			return nil, err
		}
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Search Request")
		p.AppendChild(octetString(r.BaseDN, "Base DN"))
		p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(r.Scope), "Scope"))
		p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(r.Deref), "Deref Aliases"))
		p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(r.SizeLimit), "Size Limit"))
		p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64((r.TimeLimit+time.Second-1)/time.Second), "Time Limit"))
		p.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, r.TypesOnly, "Types Only"))
		p.AppendChild(filter)
		attrs := sequence("Attributes")
		for _, a := range r.Attributes {
			attrs.AppendChild(octetString(a, "Attribute"))
		}
		p.AppendChild(attrs)
		return p, nil
	case *ModifyRequest:
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Modify Request")
		p.AppendChild(octetString(r.DN, "Object"))
		changes := sequence("Changes")
		for _, c := range r.Changes {
			cp := sequence("Change")
			cp.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(c.Op), "Operation"))
			cp.AppendChild(encodeAttributes([]Attribute{c.Attribute}, "Modification").Children[0])
			changes.AppendChild(cp)
		}
		p.AppendChild(changes)
		return p, nil
	case *AddRequest:
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Add Request")
		p.AppendChild(octetString(r.DN, "Entry"))
		p.AppendChild(encodeAttributes(r.Attributes, "Attributes"))
		return p, nil
	case *DeleteRequest:
		return ber.NewString(ber.ClassApplication, ber.TypePrimitive, tag, r.DN, "Del Request"), nil
	case *ModifyDNRequest:
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Modify DN Request")
		p.AppendChild(octetString(r.DN, "Entry"))
		p.AppendChild(octetString(r.NewRDN, "New RDN"))
		p.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, r.DeleteOldRDN, "Delete Old RDN"))
		if r.NewSuperior != "" {
			p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.NewSuperior, "New Superior"))
		}
		return p, nil
	case *CompareRequest:
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Compare Request")
		p.AppendChild(octetString(r.DN, "Entry"))
		ava := sequence("AVA")
		ava.AppendChild(octetString(r.Attribute, "Attribute"))
		ava.AppendChild(octetString(r.Value, "Value"))
		p.AppendChild(ava)
		return p, nil
	case *ExtendedRequest:
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Extended Request")
		p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, r.Name, "Request Name"))
		if r.Value != nil {
			p.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, string(r.Value), "Request Value"))
		}
		return p, nil
	}
	return nil, errors.Errorf("cannot encode %T", op)
}

func decodeMessage(p *ber.Packet) (*Message, error) {
	if len(p.Children) < 2 {
		return nil, errors.WithStack(DecodeError{"short LDAP message"})
	}
	id, err := packetInt(p.Children[0])
	if err != nil {
		return nil, err
	}
	op := p.Children[1]
	if op.ClassType != ber.ClassApplication {
		return nil, errors.WithStack(DecodeError{"protocol op is not application class"})
	}
	msg := &Message{ID: MessageID(id), Op: int(op.Tag)}
	switch op.Tag {
	case ApplicationSearchResultEntry:
		msg.Kind = KindSearchEntry
		if msg.Entry, err = decodeEntry(op); err != nil {
			return nil, err
		}
	case ApplicationSearchResultReference:
		msg.Kind = KindSearchReference
		for _, child := range op.Children {
			msg.References = append(msg.References, packetString(child))
		}
	case ApplicationIntermediateResponse:
		msg.Kind = KindIntermediate
		for _, child := range op.Children {
			switch child.Tag {
			case 0:
				msg.ResponseName = packetString(child)
			case 1:
				msg.ResponseValue = packetBytes(child)
			}
		}
	case ApplicationExtendedResponse:
		msg.Kind = KindExtendedResponse
		if err = decodeResult(op, &msg.Result); err != nil {
			return nil, err
		}
		for _, child := range op.Children[3:] {
			if child.ClassType != ber.ClassContext {
				continue
			}
			switch child.Tag {
			case 10:
				msg.ResponseName = packetString(child)
			case 11:
				msg.ResponseValue = packetBytes(child)
			}
		}
	case ApplicationBindResponse, ApplicationSearchResultDone, ApplicationModifyResponse,
		ApplicationAddResponse, ApplicationDelResponse, ApplicationModifyDNResponse,
		ApplicationCompareResponse:
		msg.Kind = KindResponse
		if err = decodeResult(op, &msg.Result); err != nil {
			return nil, err
		}
		if op.Tag == ApplicationBindResponse {
			for _, child := range op.Children[3:] {
				if child.ClassType == ber.ClassContext && child.Tag == 7 {
					msg.ResponseValue = packetBytes(child)
				}
			}
		}
	default:
		return nil, errors.WithStack(DecodeError{fmt.Sprintf("unexpected protocol op %d", op.Tag)})
	}
	if len(p.Children) > 2 {
		cp := p.Children[2]
		if cp.ClassType == ber.ClassContext && cp.Tag == 0 {
			if msg.Controls, err = decodeControls(cp); err != nil {
				return nil, err
			}
		}
	}
	return msg, nil
}

func decodeResult(op *ber.Packet, res *Result) error {
	if len(op.Children) < 3 {
		return errors.WithStack(DecodeError{"short LDAPResult"})
	}
	code, err := packetInt(op.Children[0])
	if err != nil {
		return err
	}
	res.Code = ResultCode(code)
	res.MatchedDN = packetString(op.Children[1])
	res.Diagnostic = packetString(op.Children[2])
	for _, child := range op.Children[3:] {
		if child.ClassType == ber.ClassContext && child.Tag == 3 {
			for _, ref := range child.Children {
				res.Referrals = append(res.Referrals, packetString(ref))
			}
		}
	}
	return nil
}

func decodeEntry(op *ber.Packet) (*Entry, error) {
	if len(op.Children) < 2 {
		return nil, errors.WithStack(DecodeError{"short search result entry"})
	}
	e := &Entry{DN: packetString(op.Children[0])}
	for _, ap := range op.Children[1].Children {
		if len(ap.Children) < 2 {
			return nil, errors.WithStack(DecodeError{"short partial attribute"})
		}
		a := Attribute{Name: packetString(ap.Children[0])}
		for _, v := range ap.Children[1].Children {
			a.Values = append(a.Values, packetString(v))
		}
		e.Attributes = append(e.Attributes, a)
	}
	return e, nil
}

func decodeControls(p *ber.Packet) (controls []Control, err error) {
	for _, cp := range p.Children {
		if len(cp.Children) < 1 {
			return nil, errors.WithStack(DecodeError{"empty control"})
		}
		var critical bool
		var value []byte
		for _, child := range cp.Children[1:] {
			switch child.Tag {
			case ber.TagBoolean:
				critical = packetBool(child)
			case ber.TagOctetString:
				value = packetBytes(child)
			}
		}
		controls = append(controls, DecodeControl(packetString(cp.Children[0]), critical, value))
	}
	return
}

// packetInt returns the integer held by an INTEGER or ENUMERATED packet,
// parsing the raw content for non-universal classes.
func packetInt(p *ber.Packet) (int64, error) {
	if v, ok := p.Value.(int64); ok {
		return v, nil
	}
	b := packetBytes(p)
	if len(b) == 0 || len(b) > 8 {
		return 0, errors.WithStack(DecodeError{"bad integer length"})
	}
	var v int64
	if b[0]&0x80 != 0 {
		v = -1
	}
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v, nil
}

// packetBytes returns the raw content of a primitive packet.
func packetBytes(p *ber.Packet) []byte {
	if p.Data == nil {
		return nil
	}
	return append([]byte(nil), p.Data.Bytes()...)
}

func packetString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	if p.Data == nil {
		return ""
	}
	return p.Data.String()
}

func packetBool(p *ber.Packet) bool {
	if b, ok := p.Value.(bool); ok {
		return b
	}
	b := packetBytes(p)
	return len(b) > 0 && b[0] != 0
}
