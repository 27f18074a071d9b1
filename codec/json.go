package codec

import (
	"bytes"
	"encoding/json"
)

// JSON encodes with encoding/json. Map keys are sorted and HTML escaping is
// off, so payloads handed to devices stay byte-stable and readable.
// The zero value is ready to use.
type JSON[V any] struct{}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a newline; drop it to match json.Marshal output
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
