package crypto

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// sodiumTag is the on-disk numeric tag for the Sodium encryption method.
// The envelope format is a (u64 tag, 32-byte public key) pair;
// unknown tags must fail decoding rather than silently defaulting.
const sodiumTag = 0

// EncodeMsgpack implements msgpack.CustomEncoder, writing the method as its
// on-disk numeric tag.
func (m Method) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch m {
	case Sodium:
		return enc.EncodeUint64(sodiumTag)
	default:
		return fmt.Errorf("crypto: cannot encode unknown method %q", m)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder. An unrecognized tag is a
// decode failure, not a silently-ignored default.
func (m *Method) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	switch tag {
	case sodiumTag:
		*m = Sodium
		return nil
	default:
		return fmt.Errorf("crypto: unknown encryption method tag %d", tag)
	}
}

// EncodeMsgpack implements msgpack.CustomEncoder for PublicKey, writing it
// as a raw 32-byte string rather than an array of 32 integers.
func (k PublicKey) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(k[:])
}

// DecodeMsgpack implements msgpack.CustomDecoder for PublicKey.
func (k *PublicKey) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) != keySize {
		return ErrInvalidKey
	}
	copy(k[:], b)
	return nil
}

// Envelope is encoded as a 2-element msgpack array (method tag, public key
// bytes), matching the on-disk (u64 tag, 32 bytes pk) contract.

// EncodeMsgpack implements msgpack.CustomEncoder for Envelope.
func (e Envelope) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.Encode(e.Method); err != nil {
		return err
	}
	return enc.Encode(e.PublicKey)
}

// DecodeMsgpack implements msgpack.CustomDecoder for Envelope.
func (e *Envelope) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("crypto: malformed envelope: expected 2 elements, got %d", n)
	}
	if err := dec.Decode(&e.Method); err != nil {
		return err
	}
	return dec.Decode(&e.PublicKey)
}
