package messagetype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackUnpack(t *testing.T) {
	t.Run("Should round-trip vendor and subtype through Pack/Unpack", func(t *testing.T) {
		typ := Type{Vendor: 9999, Subtype: 2}
		assert.Equal(t, typ, Unpack(typ.Pack()))
	})
}

func TestIsFullyWildcard(t *testing.T) {
	t.Run("Should flag the all-wildcard type", func(t *testing.T) {
		assert.True(t, Type{Vendor: AnyVendor, Subtype: AnySubtype}.IsFullyWildcard())
	})

	t.Run("Should not flag a partial wildcard", func(t *testing.T) {
		assert.False(t, Type{Vendor: AnyVendor, Subtype: 2}.IsFullyWildcard())
		assert.False(t, Type{Vendor: 9999, Subtype: AnySubtype}.IsFullyWildcard())
	})
}

func TestMatches(t *testing.T) {
	delivered := Type{Vendor: 9999, Subtype: 2}

	cases := []struct {
		name    string
		pattern Type
		want    bool
	}{
		{"exact match", Type{Vendor: 9999, Subtype: 2}, true},
		{"wildcard subtype, matching vendor", Type{Vendor: 9999, Subtype: AnySubtype}, true},
		{"wildcard subtype, wildcard vendor", Type{Vendor: AnyVendor, Subtype: AnySubtype}, true},
		{"wildcard subtype, different vendor", Type{Vendor: 1, Subtype: AnySubtype}, false},
		{"wildcard vendor, matching subtype", Type{Vendor: AnyVendor, Subtype: 2}, true},
		{"wildcard vendor, wildcard subtype", Type{Vendor: AnyVendor, Subtype: AnySubtype}, true},
		{"wildcard vendor, different subtype", Type{Vendor: AnyVendor, Subtype: 5}, false},
		{"no match at all", Type{Vendor: 1, Subtype: 5}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pattern.Matches(delivered))
		})
	}
}
