package segstore

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

const (
	filePrefix = "store"
	indexExt   = ".ind"
	dataExt    = ".dat"
	copySuffix = "_copy"
	genFile    = "store.gen"
)

// Generation file states.
const (
	genLive = "live"
	genSwap = "swap"
)

// Errors returned by the store.
var (
	ErrDuplicateKey = errors.New("segstore: key already exists")
	ErrKeyEmpty     = errors.New("segstore: key must not be empty")
	ErrClosed       = errors.New("segstore: store is closed")
	ErrCorrupted    = errors.New("segstore: corruption detected")
	ErrLoadFactor   = errors.New("segstore: load factor must be within (0, 1)")
)

// --------------------------------------------------------------------

const (
	valuePlain  = 0
	valueSnappy = 1
)

// Compression is the compression codec applied to stored value records.
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	unknownCompression
)

// packValue returns the on-disk record for raw with a trailing compression
// tag. Snappy is only kept when it shrinks the payload by more than a
// quarter, otherwise the record falls back to plain.
func packValue(raw []byte, c Compression) []byte {
	if c == SnappyCompression {
		enc := snappy.Encode(nil, raw)
		if len(enc) < len(raw)-len(raw)/4 {
			return append(enc, valueSnappy)
		}
	}
	rec := make([]byte, 0, len(raw)+1)
	rec = append(rec, raw...)
	return append(rec, valuePlain)
}

// unpackValue strips the compression tag and restores the raw payload.
func unpackValue(rec []byte) ([]byte, error) {
	if len(rec) == 0 {
		return nil, fmt.Errorf("%w: empty value record", ErrCorrupted)
	}
	switch tag := rec[len(rec)-1]; tag {
	case valuePlain:
		return rec[:len(rec)-1], nil
	case valueSnappy:
		raw, err := snappy.Decode(nil, rec[:len(rec)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: bad compression tag %d", ErrCorrupted, tag)
	}
}
