// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"bytes"
	"io"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTest(t *testing.T, id MessageID, op Operation, controls ...Control) *ber.Packet {
	var buf bytes.Buffer
	require.NoError(t, BERCodec{}.Encode(&buf, id, op, controls))
	p, err := ber.ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Len(), "exactly one frame")
	return p
}

func decodeTest(t *testing.T, p *ber.Packet) *Message {
	b := p.Bytes()
	msg, err := BERCodec{}.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, len(b), msg.Size)
	return msg
}

func Test_Codec_encode_delete_with_controls(t *testing.T) {
	p := encodeTest(t, 42, &DeleteRequest{DN: "cn=x,dc=y"}, &ManageDsaITControl{Criticality: true})
	require.Len(t, p.Children, 3)
	id, err := packetInt(p.Children[0])
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, ber.ClassApplication, p.Children[1].ClassType)
	assert.Equal(t, ber.Tag(ApplicationDelRequest), p.Children[1].Tag)
	assert.Equal(t, "cn=x,dc=y", packetString(p.Children[1]))

	controls, err := decodeControls(p.Children[2])
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, &ManageDsaITControl{Criticality: true}, controls[0])
}

func Test_Codec_encode_search(t *testing.T) {
	p := encodeTest(t, 1, &SearchRequest{
		BaseDN:     "dc=y",
		Scope:      ScopeSingleLevel,
		SizeLimit:  10,
		TimeLimit:  1500 * time.Millisecond,
		Filter:     "(&(cn=a*)(!(sn=b)))",
		Attributes: []string{"cn", "mail"},
	})
	op := p.Children[1]
	require.Len(t, op.Children, 8)
	assert.Equal(t, "dc=y", packetString(op.Children[0]))
	scope, _ := packetInt(op.Children[1])
	assert.Equal(t, int64(ScopeSingleLevel), scope)
	size, _ := packetInt(op.Children[3])
	assert.Equal(t, int64(10), size)
	seconds, _ := packetInt(op.Children[4])
	assert.Equal(t, int64(2), seconds, "time limit rounds up")
	assert.Equal(t, ber.Tag(filterAnd), op.Children[6].Tag)
	require.Len(t, op.Children[7].Children, 2)
	assert.Equal(t, "mail", packetString(op.Children[7].Children[1]))

	var buf bytes.Buffer
	err := BERCodec{}.Encode(&buf, 2, &SearchRequest{BaseDN: "dc=y", Filter: "(cn=a"}, nil)
	assert.Equal(t, ErrUnbalancedParens, errors.Cause(err))
}

func Test_Codec_encode_bind(t *testing.T) {
	p := encodeTest(t, 1, &BindRequest{DN: "cn=admin", Password: "secret"})
	op := p.Children[1]
	version, _ := packetInt(op.Children[0])
	assert.Equal(t, int64(3), version)
	assert.Equal(t, "cn=admin", packetString(op.Children[1]))
	assert.Equal(t, ber.ClassContext, op.Children[2].ClassType)
	assert.Equal(t, "secret", packetString(op.Children[2]))

	p = encodeTest(t, 2, &BindRequest{Mechanism: "EXTERNAL", Credentials: []byte("dn:cn=x")})
	sasl := p.Children[1].Children[2]
	assert.Equal(t, ber.Tag(3), sasl.Tag)
	assert.Equal(t, "EXTERNAL", packetString(sasl.Children[0]))
	assert.Equal(t, "dn:cn=x", packetString(sasl.Children[1]))
}

func Test_Codec_encode_abandon(t *testing.T) {
	p := encodeTest(t, 9, &AbandonRequest{ID: 7})
	op := p.Children[1]
	assert.Equal(t, ber.Tag(ApplicationAbandonRequest), op.Tag)
	id, err := packetInt(op)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func Test_Codec_decode_entry(t *testing.T) {
	msg := decodeTest(t, entryPacket(3, "cn=a,dc=y", "cn=a", "mail=a@y"))
	assert.Equal(t, MessageID(3), msg.ID)
	assert.Equal(t, KindSearchEntry, msg.Kind)
	assert.False(t, msg.IsFinal())
	assert.Equal(t, "cn=a,dc=y", msg.Entry.DN)
	assert.Equal(t, []string{"a@y"}, msg.Entry.Get("MAIL"))
	assert.Nil(t, msg.Entry.Get("sn"))
}

func Test_Codec_decode_reference(t *testing.T) {
	msg := decodeTest(t, refPacket(3, "ldap://a/dc=y", "ldap://b/dc=y"))
	assert.Equal(t, KindSearchReference, msg.Kind)
	assert.Equal(t, []string{"ldap://a/dc=y", "ldap://b/dc=y"}, msg.References)
}

func Test_Codec_decode_result_with_referrals(t *testing.T) {
	msg := decodeTest(t, donePacket(5, ApplicationDelResponse, ResultReferral, "ldap://b/cn=x"))
	assert.Equal(t, KindResponse, msg.Kind)
	assert.True(t, msg.IsFinal())
	assert.Equal(t, ApplicationDelResponse, msg.Op)
	assert.Equal(t, ResultReferral, msg.Result.Code)
	assert.Equal(t, []string{"ldap://b/cn=x"}, msg.Result.Referrals)
	assert.NoError(t, msg.Result.Err())
}

func Test_Codec_decode_notice(t *testing.T) {
	msg := decodeTest(t, noticePacket())
	assert.Equal(t, MessageID(0), msg.ID)
	assert.Equal(t, KindExtendedResponse, msg.Kind)
	assert.Equal(t, oidNoticeOfDisconnection, msg.ResponseName)
	assert.Equal(t, ResultUnavailable, msg.Result.Code)
	assert.Equal(t, "shutting down", msg.Result.Diagnostic)
}

func Test_Codec_decode_bind_sasl_credentials(t *testing.T) {
	op := resultOp(ApplicationBindResponse, ResultSaslBindInProgress, "")
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 7, "challenge", "Server SASL Credentials"))
	msg := decodeTest(t, envelope(1, op))
	assert.Equal(t, ResultSaslBindInProgress, msg.Result.Code)
	assert.Equal(t, []byte("challenge"), msg.ResponseValue)
}

func Test_Codec_decode_controls(t *testing.T) {
	p := donePacket(2, ApplicationSearchResultDone, ResultSuccess)
	p.AppendChild(encodeControls([]Control{
		&PagedResultsControl{Size: 5, Cookie: []byte("abc")},
		&OpaqueControl{Type: "1.2.3", Criticality: true, Data: []byte{1, 2}},
	}))
	msg := decodeTest(t, p)
	require.Len(t, msg.Controls, 2)
	paged, ok := msg.Controls[0].(*PagedResultsControl)
	require.True(t, ok)
	assert.Equal(t, 5, paged.Size)
	assert.Equal(t, []byte("abc"), paged.Cookie)
	assert.Equal(t, &OpaqueControl{Type: "1.2.3", Criticality: true, Data: []byte{1, 2}}, msg.Controls[1])
	assert.Same(t, msg.Controls[0], FindControl(msg.Controls, OIDPagedResults))
}

func Test_Codec_decode_errors(t *testing.T) {
	// unknown protocol op
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, 30, nil, "Bogus")
	_, err := BERCodec{}.Decode(bytes.NewReader(envelope(1, op).Bytes()))
	assert.IsType(t, DecodeError{}, errors.Cause(err))
	assert.Equal(t, ResultDecodingError, ResultCodeOf(err))

	// protocol op of the wrong class
	_, err = BERCodec{}.Decode(bytes.NewReader(envelope(1, octetString("x", "x")).Bytes()))
	assert.IsType(t, DecodeError{}, errors.Cause(err))

	// short result
	op = ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationDelResponse, nil, "Short")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, 0, "Result Code"))
	_, err = BERCodec{}.Decode(bytes.NewReader(envelope(1, op).Bytes()))
	assert.IsType(t, DecodeError{}, errors.Cause(err))

	// envelope without an op
	_, err = BERCodec{}.Decode(bytes.NewReader(sequence("Empty").Bytes()))
	assert.IsType(t, DecodeError{}, errors.Cause(err))
}

func Test_Codec_decode_truncated(t *testing.T) {
	b := entryPacket(1, "cn=a", "cn=a").Bytes()
	_, err := BERCodec{}.Decode(bytes.NewReader(b[:len(b)-3]))
	assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))

	_, err = BERCodec{}.Decode(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, errors.Cause(err))
}

func Test_Codec_decode_stream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(entryPacket(1, "cn=a", "cn=a").Bytes())
	buf.Write(donePacket(1, ApplicationSearchResultDone, ResultSuccess).Bytes())
	m1, err := BERCodec{}.Decode(&buf)
	require.NoError(t, err)
	m2, err := BERCodec{}.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindSearchEntry, m1.Kind)
	assert.Equal(t, KindResponse, m2.Kind)
	_, err = BERCodec{}.Decode(&buf)
	assert.Equal(t, io.EOF, errors.Cause(err))
}
