package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding so a grpc
// server and client configured with grpc.CallContentSubtype("topos") (or a
// matching default codec) carry *Envelope messages using MarshalBinary /
// UnmarshalBinary instead of protobuf reflection. Real protobuf descriptor
// generation requires protoc, which this module does not invoke; the codec
// keeps the transport on genuine grpc streaming semantics while giving the
// wire format a stable, hand-auditable encoding. api/topos.proto documents
// the equivalent schema as a language-neutral contract.
const CodecName = "topos"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("wire: codec %q cannot marshal %T", CodecName, v)
	}
	return m.MarshalBinary()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("wire: codec %q cannot unmarshal into %T", CodecName, v)
	}
	return m.UnmarshalBinary(data)
}
