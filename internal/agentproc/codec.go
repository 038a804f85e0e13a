package agentproc

import "encoding/json"

// Codec converts values to and from the fixed-size framed slots a Ring
// carries (spec §4.3 "Serialization uses an in-place zero-copy scheme").
// This implementation frames with ordinary JSON rather than an
// internally-pointered in-place layout — the spec explicitly allows
// "length-prefixed framing in a ring of bytes with a small CPU-side parser"
// as an alternative, which keeps the transport expressible in safe Go.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// JSONCodec is the default Codec, grounded on the JSON-line protocol the
// subprocess bridge used for its tool-call messages.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}
