// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import "strings"

// splitRDNs splits a DN into its RDNs, honoring backslash escapes.
func splitRDNs(dn string) (rdns []string) {
	start := 0
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case ',', ';':
			rdns = append(rdns, dn[start:i])
			start = i + 1
		}
	}
	if start < len(dn) || len(rdns) > 0 {
		rdns = append(rdns, dn[start:])
	}
	return
}

func normalizeRDN(rdn string) string {
	var parts []string
	for _, ava := range strings.Split(rdn, "+") {
		if idx := strings.IndexByte(ava, '='); idx >= 0 {
			ava = strings.TrimSpace(ava[:idx]) + "=" + strings.TrimSpace(ava[idx+1:])
		}
		parts = append(parts, strings.ToLower(strings.TrimSpace(ava)))
	}
	return strings.Join(parts, "+")
}

// NormalizeDN returns a DN lowercased with insignificant spaces removed,
// suitable for equality comparison.
func NormalizeDN(dn string) string {
	rdns := splitRDNs(strings.TrimSpace(dn))
	for i := range rdns {
		rdns[i] = normalizeRDN(rdns[i])
	}
	return strings.Join(rdns, ",")
}

// DNInScope returns true if dn lies within scope relative to base.
// Both must be normalized.
func DNInScope(dn, base string, scope Scope) bool {
	if dn == base {
		return scope != ScopeSingleLevel
	}
	var suffix string
	switch {
	case base == "":
		suffix = dn
	case strings.HasSuffix(dn, ","+base):
		suffix = dn[:len(dn)-len(base)-1]
	default:
		return false
	}
	switch scope {
	case ScopeWholeSubtree:
		return true
	case ScopeSingleLevel:
		return len(splitRDNs(suffix)) == 1
	}
	return false
}
