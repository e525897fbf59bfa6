package ckvdb

import "github.com/zeebo/xxh3"

// Codec identifies a key or value encoding by name. The store treats
// keys and values as opaque bytes end to end; Codec exists only so a
// table's root record can carry a stable fingerprint of what it was
// created with, and OpenTable can detect a mismatched reopen.
type Codec struct {
	Name string
}

// Fingerprint is a stable hash of the codec's identity, stored
// alongside a table's root in the master catalog.
func (c Codec) Fingerprint() uint64 {
	h := xxh3.HashString(c.Name)
	return h
}

// Bytes is the identity codec: keys/values pass through unchanged.
// Used anywhere a caller has already serialized their own values.
var Bytes = Codec{Name: "bytes"}
