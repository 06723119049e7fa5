package segstore

import (
	"bytes"
	"encoding/gob"
)

// Codec turns values into byte sequences and back. Implementations are
// supplied by the caller; the store treats encoded values as opaque bytes.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Bytes is an identity codec for raw byte slices.
var Bytes Codec[[]byte] = bytesCodec{}

type bytesCodec struct{}

func (bytesCodec) Encode(value []byte) ([]byte, error) { return value, nil }
func (bytesCodec) Decode(data []byte) ([]byte, error)  { return data, nil }

// Gob returns a codec backed by encoding/gob.
func Gob[T any]() Codec[T] { return gobCodec[T]{} }

type gobCodec[T any] struct{}

func (gobCodec[T]) Encode(value T) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec[T]) Decode(data []byte) (T, error) {
	var value T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value)
	return value, err
}
