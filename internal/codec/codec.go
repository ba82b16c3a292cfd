// Package codec provides the canonical byte encoding used across the
// module. Operation identity is a content hash over these exact bytes,
// so the encoder is configured for RFC 8949 Core Deterministic Encoding:
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Two semantically identical values always encode to identical
// bytes; any ambiguity (field order, integer width) is fixed here, not
// left to serializer discretion.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// nested payloads.
type RawMessage = cbor.RawMessage
