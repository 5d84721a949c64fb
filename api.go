package kvengine

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PutBool stores a boolean value for key.
func (s *Store) PutBool(key string, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return s.putFixed(key, Boolean, []byte{b})
}

// GetBool returns the boolean stored for key.
func (s *Store) GetBool(key string) (bool, error) {
	v, err := s.getFixedValue(key, Boolean)
	if err != nil {
		return false, err
	}
	return v[0] != 0, nil
}

// PutInt stores a 32-bit signed integer value for key.
func (s *Store) PutInt(key string, v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return s.putFixed(key, Int, b[:])
}

// GetInt returns the int32 stored for key.
func (s *Store) GetInt(key string) (int32, error) {
	v, err := s.getFixedValue(key, Int)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(v)), nil
}

// PutFloat stores a 32-bit float value for key.
func (s *Store) PutFloat(key string, v float32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	return s.putFixed(key, Float, b[:])
}

// GetFloat returns the float32 stored for key.
func (s *Store) GetFloat(key string) (float32, error) {
	v, err := s.getFixedValue(key, Float)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(v)), nil
}

// PutLong stores a 64-bit signed integer value for key.
func (s *Store) PutLong(key string, v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return s.putFixed(key, Long, b[:])
}

// GetLong returns the int64 stored for key.
func (s *Store) GetLong(key string) (int64, error) {
	v, err := s.getFixedValue(key, Long)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(v)), nil
}

// PutDouble stores a 64-bit float value for key.
func (s *Store) PutDouble(key string, v float64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return s.putFixed(key, Double, b[:])
}

// GetDouble returns the float64 stored for key.
func (s *Store) GetDouble(key string) (float64, error) {
	v, err := s.getFixedValue(key, Double)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v)), nil
}

// PutString stores a UTF-8 string value for key. Values at or above the
// store's internal limit are spilled to a sidecar file (§4.4).
func (s *Store) PutString(key string, v string) error {
	if len(v) > 0xffff {
		return ErrValueTooLarge
	}
	return s.putVariable(key, String, []byte(v))
}

// GetString returns the string stored for key.
func (s *Store) GetString(key string) (string, error) {
	v, err := s.getVariableBody(key, String)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// PutArray stores an opaque byte array for key. Unlike String, the bytes
// are not required to be valid UTF-8.
func (s *Store) PutArray(key string, v []byte) error {
	if len(v) > 0xffff {
		return ErrValueTooLarge
	}
	return s.putVariable(key, Array, append([]byte(nil), v...))
}

// GetArray returns the byte array stored for key.
func (s *Store) GetArray(key string) ([]byte, error) {
	return s.getVariableBody(key, Array)
}

// PutObject encodes v with the Encoder registered under tag and stores the
// result for key. If Encode returns a nil slice and a nil error, the Put
// becomes a Remove instead (§7, "Encoder exception").
func (s *Store) PutObject(key, tag string, v interface{}) error {
	s.mu.Lock()
	enc, ok := s.encoders.get(tag)
	s.mu.Unlock()
	if !ok {
		return ErrNoEncoder
	}
	payload, err := enc.Encode(v)
	if err != nil {
		if s.logger != nil {
			s.logger.Warning("store.PutObject", fmt.Errorf("encode tag %q: %w", tag, err))
		}
		return err
	}
	if payload == nil {
		return s.Remove(key)
	}
	if len(tag) > maxEncoderTagLen {
		return ErrBadEncoderTag
	}
	body := make([]byte, 0, 1+len(tag)+len(payload))
	body = append(body, byte(len(tag)))
	body = append(body, tag...)
	body = append(body, payload...)
	if len(body) > 0xffff {
		return ErrValueTooLarge
	}
	return s.putVariable(key, Object, body)
}

// GetObject reads and decodes the Object value stored for key using the
// Encoder registered under the tag it was written with.
func (s *Store) GetObject(key string) (interface{}, error) {
	body, err := s.getVariableBody(key, Object)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, ErrCorrupt
	}
	tagLen := int(body[0])
	if 1+tagLen > len(body) {
		return nil, ErrCorrupt
	}
	tag := string(body[1 : 1+tagLen])
	s.mu.Lock()
	enc, ok := s.encoders.get(tag)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoEncoder
	}
	v, err := enc.Decode(body[1+tagLen:])
	if err != nil {
		if s.logger != nil {
			s.logger.Warning("store.GetObject", fmt.Errorf("decode tag %q: %w", tag, err))
		}
		return nil, err
	}
	return v, nil
}
