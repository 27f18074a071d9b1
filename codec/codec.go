// Package codec turns values into the bytes that devsync stores and
// fingerprints. The state cache hashes Encode output, so a codec used there
// must encode equal values to equal bytes.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
