// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_NormalizeDN(t *testing.T) {
	assert.Equal(t, "cn=foo,dc=example,dc=com", NormalizeDN(" CN=Foo , DC=Example,DC=COM "))
	assert.Equal(t, "cn=a\\,b,dc=x", NormalizeDN("CN=A\\,B;dc=x"))
	assert.Equal(t, "cn=a+sn=b,dc=x", NormalizeDN("CN = a + SN=b,dc=x"))
	assert.Equal(t, "", NormalizeDN(""))
}

func Test_DNInScope(t *testing.T) {
	const base = "dc=x"
	assert.True(t, DNInScope("dc=x", base, ScopeBaseObject))
	assert.False(t, DNInScope("cn=a,dc=x", base, ScopeBaseObject))

	assert.False(t, DNInScope("dc=x", base, ScopeSingleLevel))
	assert.True(t, DNInScope("cn=a,dc=x", base, ScopeSingleLevel))
	assert.False(t, DNInScope("cn=b,cn=a,dc=x", base, ScopeSingleLevel))

	assert.True(t, DNInScope("dc=x", base, ScopeWholeSubtree))
	assert.True(t, DNInScope("cn=b,cn=a,dc=x", base, ScopeWholeSubtree))
	assert.False(t, DNInScope("cn=a,xdc=x", base, ScopeWholeSubtree))
	assert.False(t, DNInScope("dc=y", base, ScopeWholeSubtree))

	// the root DSE contains everything
	assert.True(t, DNInScope("cn=a,dc=x", "", ScopeWholeSubtree))
	assert.True(t, DNInScope("dc=x", "", ScopeSingleLevel))
	assert.False(t, DNInScope("cn=a,dc=x", "", ScopeSingleLevel))
}
