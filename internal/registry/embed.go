package registry

import _ "embed"

// defaultDocument is the catalog shipped with the binary, used when the
// configuration names no registry path.
//
//go:embed registry.json
var defaultDocument []byte

// DefaultDocument returns the embedded catalog bytes.
func DefaultDocument() []byte {
	return defaultDocument
}
