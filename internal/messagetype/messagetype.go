// Package messagetype implements the 32-bit MessageType tag used to route
// IMC-IMV payloads: a high-24-bit vendor id and a low-8-bit subtype, per
// §3 of the spec and TNC_MessageType in the original libtnc headers.
package messagetype

// AnyVendor is the reserved vendor id meaning "any vendor".
const AnyVendor uint32 = 0xFFFFFF

// AnySubtype is the reserved subtype meaning "any subtype".
const AnySubtype uint32 = 0xFF

// TCGVendorID is the Trusted Computing Group's own vendor id. TNCC-TNCS
// messages with this vendor are the standard control messages, and the
// policy engine's posture data requests are sent under it.
const TCGVendorID uint32 = 0

// Type is a decoded (vendor, subtype) pair.
type Type struct {
	Vendor  uint32
	Subtype uint32
}

// Pack folds vendor/subtype back into the wire representation: vendor in
// the high 24 bits, subtype in the low 8.
func (t Type) Pack() uint32 {
	return (t.Vendor&0xFFFFFF)<<8 | (t.Subtype & 0xFF)
}

// Unpack splits a packed 32-bit MessageType into vendor/subtype.
func Unpack(raw uint32) Type {
	return Type{
		Vendor:  (raw >> 8) & 0xFFFFFF,
		Subtype: raw & 0xFF,
	}
}

// IsFullyWildcard reports whether t is the reserved all-wildcard type,
// which §3/§4.3 forbid as a delivered message type.
func (t Type) IsFullyWildcard() bool {
	return t.Vendor == AnyVendor && t.Subtype == AnySubtype
}

// Matches reports whether a subscribed pattern (the receiver) matches an
// incoming delivered type, under the wildcard rules of §4.3:
//
//   - exact match, or
//   - pattern subtype is wildcard and (vendor matches exactly or pattern
//     vendor is wildcard), or
//   - pattern vendor is wildcard and (subtype matches exactly or pattern
//     subtype is wildcard).
func (pattern Type) Matches(delivered Type) bool {
	if pattern.Vendor == delivered.Vendor && pattern.Subtype == delivered.Subtype {
		return true
	}
	if pattern.Subtype == AnySubtype && (pattern.Vendor == delivered.Vendor || pattern.Vendor == AnyVendor) {
		return true
	}
	if pattern.Vendor == AnyVendor && (pattern.Subtype == delivered.Subtype || pattern.Subtype == AnySubtype) {
		return true
	}
	return false
}
