// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DecodeControl_builtin(t *testing.T) {
	for _, c := range []Control{
		&PagedResultsControl{Criticality: true, Size: 100, Cookie: []byte("next")},
		&PersistentSearchControl{ChangeTypes: ChangeAny, ChangesOnly: true, ReturnECs: true},
		&EntryChangeControl{ChangeType: ChangeModDN, PreviousDN: "cn=old", ChangeNumber: 12},
		&SortResponseControl{Result: ResultNoSuchAttribute, AttributeType: "sn"},
		&ManageDsaITControl{Criticality: true},
	} {
		assert.Equal(t, c, DecodeControl(c.OID(), c.Critical(), c.Value()), c.OID())
	}
}

func Test_DecodeControl_fallback(t *testing.T) {
	// undecodable values are kept verbatim
	empty := []byte{0x30, 0x00}
	c := DecodeControl(OIDPagedResults, false, empty)
	assert.Equal(t, &OpaqueControl{Type: OIDPagedResults, Data: empty}, c)
	c = DecodeControl(OIDEntryChange, false, nil)
	assert.IsType(t, &OpaqueControl{}, c)

	c = DecodeControl("1.2.3.4", true, []byte("v"))
	assert.Equal(t, &OpaqueControl{Type: "1.2.3.4", Criticality: true, Data: []byte("v")}, c)
}

func Test_RegisterControlDecoder(t *testing.T) {
	const oid = "1.3.6.1.4.1.99999.1"
	RegisterControlDecoder(oid, func(critical bool, value []byte) (Control, error) {
		return &OpaqueControl{Type: "decoded", Criticality: critical, Data: value}, nil
	})
	c := DecodeControl(oid, false, []byte("x"))
	assert.Equal(t, "decoded", c.OID())
}

func Test_FindControl(t *testing.T) {
	controls := []Control{&ManageDsaITControl{}, &PagedResultsControl{Size: 1}}
	c := FindControl(controls, OIDPagedResults)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.(*PagedResultsControl).Size)
	assert.Nil(t, FindControl(controls, OIDSortResponse))
	assert.Nil(t, FindControl(nil, OIDSortResponse))
}

func Test_controlFingerprint(t *testing.T) {
	a := controlFingerprint(&PagedResultsControl{Size: 1})
	assert.Equal(t, a, controlFingerprint(&PagedResultsControl{Size: 1}))
	assert.NotEqual(t, a, controlFingerprint(&PagedResultsControl{Size: 2}))
	assert.NotEqual(t, a, controlFingerprint(&PagedResultsControl{Size: 1, Criticality: true}))
}
