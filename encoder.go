package kvengine

import (
	"encoding/binary"
	"fmt"
)

// Encoder is the external collaborator that knows how to turn an
// application value into bytes and back for Object records. Every Encoder
// advertises a non-empty tag, unique within the store, of at most 50
// characters.
type Encoder interface {
	// Tag returns the encoder's unique identifier, persisted alongside
	// every Object record it produces so the right Encoder can be found
	// again on read.
	Tag() string
	// Encode turns v into bytes. Returning a nil slice and a nil error
	// converts the surrounding Put into a Remove (§7, "Encoder
	// exception").
	Encode(v interface{}) ([]byte, error)
	// Decode turns bytes produced by Encode back into a value.
	Decode(data []byte) (interface{}, error)
}

const maxEncoderTagLen = 50

type encoderRegistry struct {
	byTag map[string]Encoder
}

func newEncoderRegistry() *encoderRegistry {
	r := &encoderRegistry{byTag: make(map[string]Encoder)}
	r.register(stringSetEncoder{})
	return r
}

func (r *encoderRegistry) register(e Encoder) error {
	tag := e.Tag()
	if tag == "" || len(tag) > maxEncoderTagLen {
		return ErrBadEncoderTag
	}
	if _, exists := r.byTag[tag]; exists {
		return ErrBadEncoderTag
	}
	r.byTag[tag] = e
	return nil
}

func (r *encoderRegistry) get(tag string) (Encoder, bool) {
	e, ok := r.byTag[tag]
	return e, ok
}

// stringSetEncoder is the built-in Encoder always registered on a Store
// (§6, "the store owns no encoder except a built-in one for sets of
// strings"). It encodes a []string as a count followed by
// length-prefixed UTF-8 strings, reusing the same 2-byte length-prefix
// width as plain String records.
type stringSetEncoder struct{}

func (stringSetEncoder) Tag() string { return "stringset" }

func (stringSetEncoder) Encode(v interface{}) ([]byte, error) {
	set, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("kvengine: stringset encoder requires []string, got %T", v)
	}
	var buf []byte
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(set)))
	buf = append(buf, hdr[:]...)
	for _, s := range set {
		if len(s) > 0xffff {
			return nil, ErrValueTooLarge
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
	}
	return buf, nil
}

func (stringSetEncoder) Decode(data []byte) (interface{}, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("kvengine: stringset payload truncated")
	}
	count := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	set := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 2 {
			return nil, fmt.Errorf("kvengine: stringset payload truncated")
		}
		n := int(binary.LittleEndian.Uint16(data[:2]))
		data = data[2:]
		if len(data) < n {
			return nil, fmt.Errorf("kvengine: stringset payload truncated")
		}
		set = append(set, string(data[:n]))
		data = data[n:]
	}
	return set, nil
}
