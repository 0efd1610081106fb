// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"fmt"
	"hash/crc32"
	"sync"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/pkg/errors"
)

// Control OIDs with built-in decoders.
const (
	OIDPagedResults     = "1.2.840.113556.1.4.319"
	OIDSortResponse     = "1.2.840.113556.1.4.474"
	OIDManageDsaIT      = "2.16.840.1.113730.3.4.2"
	OIDPersistentSearch = "2.16.840.1.113730.3.4.3"
	OIDEntryChange      = "2.16.840.1.113730.3.4.7"
)

// Control is a request or response control.
type Control interface {
	// OID returns the control type.
	OID() string
	// Critical returns the criticality flag.
	Critical() bool
	// Value returns the encoded control value, or nil if absent.
	Value() []byte
}

// ControlDecoder decodes the value of a response control.
type ControlDecoder func(critical bool, value []byte) (Control, error)

var (
	controlDecodersMu sync.RWMutex
	controlDecoders   = map[string]ControlDecoder{
		OIDPagedResults:     decodePagedResults,
		OIDSortResponse:     decodeSortResponse,
		OIDManageDsaIT:      decodeManageDsaIT,
		OIDPersistentSearch: decodePersistentSearch,
		OIDEntryChange:      decodeEntryChange,
	}
)

// RegisterControlDecoder adds or replaces the decoder for a control OID.
// It is meant to be called from init functions.
func RegisterControlDecoder(oid string, fn ControlDecoder) {
	controlDecodersMu.Lock()
	defer controlDecodersMu.Unlock()
	controlDecoders[oid] = fn
}

// DecodeControl decodes a control using the registered decoder for its OID.
// Unregistered OIDs and values that fail to decode yield an *OpaqueControl.
func DecodeControl(oid string, critical bool, value []byte) Control {
	controlDecodersMu.RLock()
	fn := controlDecoders[oid]
	controlDecodersMu.RUnlock()
	if fn != nil {
		if c, err := fn(critical, value); err == nil {
			return c
		}
	}
	return &OpaqueControl{Type: oid, Criticality: critical, Data: value}
}

// FindControl returns the first control with the given OID.
func FindControl(controls []Control, oid string) Control {
	for _, c := range controls {
		if c.OID() == oid {
			return c
		}
	}
	return nil
}

// controlFingerprint is the order-independent identity of a control.
func controlFingerprint(c Control) string {
	return fmt.Sprintf("%s/%t/%08x", c.OID(), c.Critical(), crc32.ChecksumIEEE(c.Value()))
}

// OpaqueControl is a control with no registered decoder.
type OpaqueControl struct {
	Type        string
	Criticality bool
	Data        []byte
}

func (c *OpaqueControl) OID() string    { return c.Type }
func (c *OpaqueControl) Critical() bool { return c.Criticality }
func (c *OpaqueControl) Value() []byte  { return c.Data }

// ManageDsaITControl makes the server treat referral objects as ordinary entries.
type ManageDsaITControl struct {
	Criticality bool
}

func (c *ManageDsaITControl) OID() string    { return OIDManageDsaIT }
func (c *ManageDsaITControl) Critical() bool { return c.Criticality }
func (c *ManageDsaITControl) Value() []byte  { return nil }

func decodeManageDsaIT(critical bool, value []byte) (Control, error) {
	return &ManageDsaITControl{Criticality: critical}, nil
}

// PagedResultsControl is the simple paged results control (RFC 2696).
type PagedResultsControl struct {
	Criticality bool
	Size        int
	Cookie      []byte
}

func (c *PagedResultsControl) OID() string    { return OIDPagedResults }
func (c *PagedResultsControl) Critical() bool { return c.Criticality }

func (c *PagedResultsControl) Value() []byte {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Paged Results")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(c.Size), "Size"))
	seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(c.Cookie), "Cookie"))
	return seq.Bytes()
}

func decodePagedResults(critical bool, value []byte) (Control, error) {
	seq, err := decodeControlValue(value, 2)
	if err != nil {
		return nil, err
	}
	size, err := packetInt(seq.Children[0])
	if err != nil {
		return nil, err
	}
	return &PagedResultsControl{
		Criticality: critical,
		Size:        int(size),
		Cookie:      packetBytes(seq.Children[1]),
	}, nil
}

// Change types for persistent search.
const (
	ChangeAdd    = 1
	ChangeDelete = 2
	ChangeModify = 4
	ChangeModDN  = 8
	ChangeAny    = ChangeAdd | ChangeDelete | ChangeModify | ChangeModDN
)

// PersistentSearchControl keeps a search open and streams changes.
type PersistentSearchControl struct {
	Criticality bool
	ChangeTypes int
	ChangesOnly bool
	ReturnECs   bool
}

func (c *PersistentSearchControl) OID() string    { return OIDPersistentSearch }
func (c *PersistentSearchControl) Critical() bool { return c.Criticality }

func (c *PersistentSearchControl) Value() []byte {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Persistent Search")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(c.ChangeTypes), "Change Types"))
	seq.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.ChangesOnly, "Changes Only"))
	seq.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.ReturnECs, "Return ECs"))
	return seq.Bytes()
}

func decodePersistentSearch(critical bool, value []byte) (Control, error) {
	seq, err := decodeControlValue(value, 3)
	if err != nil {
		return nil, err
	}
	ct, err := packetInt(seq.Children[0])
	if err != nil {
		return nil, err
	}
	return &PersistentSearchControl{
		Criticality: critical,
		ChangeTypes: int(ct),
		ChangesOnly: packetBool(seq.Children[1]),
		ReturnECs:   packetBool(seq.Children[2]),
	}, nil
}

// EntryChangeControl accompanies entries returned by a persistent search.
type EntryChangeControl struct {
	Criticality  bool
	ChangeType   int
	PreviousDN   string
	ChangeNumber int64
}

func (c *EntryChangeControl) OID() string    { return OIDEntryChange }
func (c *EntryChangeControl) Critical() bool { return c.Criticality }

func (c *EntryChangeControl) Value() []byte {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Entry Change")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(c.ChangeType), "Change Type"))
	if c.PreviousDN != "" {
		seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, c.PreviousDN, "Previous DN"))
	}
	if c.ChangeNumber != 0 {
		seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, c.ChangeNumber, "Change Number"))
	}
	return seq.Bytes()
}

func decodeEntryChange(critical bool, value []byte) (Control, error) {
	seq, err := decodeControlValue(value, 1)
	if err != nil {
		return nil, err
	}
	ct, err := packetInt(seq.Children[0])
	if err != nil {
		return nil, err
	}
	c := &EntryChangeControl{Criticality: critical, ChangeType: int(ct)}
	for _, child := range seq.Children[1:] {
		switch child.Tag {
		case ber.TagOctetString:
			c.PreviousDN = packetString(child)
		case ber.TagInteger:
			if c.ChangeNumber, err = packetInt(child); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// SortResponseControl reports the outcome of server side sorting (RFC 2891).
type SortResponseControl struct {
	Criticality   bool
	Result        ResultCode
	AttributeType string
}

func (c *SortResponseControl) OID() string    { return OIDSortResponse }
func (c *SortResponseControl) Critical() bool { return c.Criticality }

func (c *SortResponseControl) Value() []byte {
	seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Sort Result")
	seq.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(c.Result), "Sort Result"))
	if c.AttributeType != "" {
		seq.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, c.AttributeType, "Attribute Type"))
	}
	return seq.Bytes()
}

func decodeSortResponse(critical bool, value []byte) (Control, error) {
	seq, err := decodeControlValue(value, 1)
	if err != nil {
		return nil, err
	}
	rc, err := packetInt(seq.Children[0])
	if err != nil {
		return nil, err
	}
	c := &SortResponseControl{Criticality: critical, Result: ResultCode(rc)}
	if len(seq.Children) > 1 {
		c.AttributeType = packetString(seq.Children[1])
	}
	return c, nil
}

// decodeControlValue decodes a control value that must be a SEQUENCE
// with at least minChildren elements.
func decodeControlValue(value []byte, minChildren int) (*ber.Packet, error) {
	if len(value) == 0 {
		return nil, errors.New("missing control value")
	}
	seq, err := ber.DecodePacketErr(value)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(seq.Children) < minChildren {
		return nil, errors.Errorf("control value has %d elements, need %d", len(seq.Children), minChildren)
	}
	return seq, nil
}
