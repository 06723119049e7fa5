package segstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// entryOverhead is the encoded size of an entry payload without its key.
const entryOverhead = 1 + 4 + 8 + 4 + 4

// entry locates one stored value. Its encoded form is length-stable:
// re-encoding an entry only ever changes the tombstone byte, which the
// in-place rewrite performed on removal depends on.
type entry struct {
	deleted     bool
	segmentID   uint32
	dataOffset  uint64
	dataLength  uint32
	indexOffset int64 // offset of the frame's length prefix, not persisted
	key         string
}

func (e *entry) encodedLen() int { return entryOverhead + len(e.key) }

// encode appends the entry payload (without the frame length prefix) to dst.
func (e *entry) encode(dst []byte) []byte {
	if e.deleted {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = binary.BigEndian.AppendUint32(dst, e.segmentID)
	dst = binary.BigEndian.AppendUint64(dst, e.dataOffset)
	dst = binary.BigEndian.AppendUint32(dst, e.dataLength)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(e.key)))
	return append(dst, e.key...)
}

func decodeEntry(p []byte) (*entry, error) {
	if len(p) < entryOverhead {
		return nil, fmt.Errorf("%w: entry frame too short (%d bytes)", ErrCorrupted, len(p))
	}
	e := &entry{
		deleted:    p[0] != 0,
		segmentID:  binary.BigEndian.Uint32(p[1:]),
		dataOffset: binary.BigEndian.Uint64(p[5:]),
		dataLength: binary.BigEndian.Uint32(p[13:]),
	}
	if keyLen := int(binary.BigEndian.Uint32(p[17:])); entryOverhead+keyLen != len(p) {
		return nil, fmt.Errorf("%w: key length %d does not match frame", ErrCorrupted, keyLen)
	}
	e.key = string(p[entryOverhead:])
	return e, nil
}

// --------------------------------------------------------------------

// indexLog is the append-only file of framed entries. Each frame is a
// 4-byte big-endian payload length followed by the payload.
type indexLog struct {
	f    *os.File
	size int64
	tmp  []byte
}

func openIndexLog(name string) (*indexLog, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &indexLog{f: f, size: stat.Size()}, nil
}

// append writes a frame for e at the end of the log and stamps the
// entry's index offset.
func (l *indexLog) append(e *entry) error {
	l.tmp = binary.BigEndian.AppendUint32(l.tmp[:0], uint32(e.encodedLen()))
	l.tmp = e.encode(l.tmp)

	if _, err := l.f.WriteAt(l.tmp, l.size); err != nil {
		return err
	}
	e.indexOffset = l.size
	l.size += int64(len(l.tmp))
	return nil
}

// rewrite overwrites the payload of the frame at e.indexOffset, leaving
// the length prefix untouched. The re-encoded payload is byte-length
// identical to the original, only the tombstone byte may differ.
func (l *indexLog) rewrite(e *entry) error {
	l.tmp = e.encode(l.tmp[:0])
	_, err := l.f.WriteAt(l.tmp, e.indexOffset+4)
	return err
}

// replay scans the log from the start, invoking fn for every frame with
// the entry's index offset stamped. A frame that would overrun the end of
// the log is reported as corruption.
func (l *indexLog) replay(fn func(*entry) error) error {
	var prefix [4]byte
	for pos := int64(0); pos < l.size; {
		if pos+4 > l.size {
			return fmt.Errorf("%w: truncated length prefix at offset %d", ErrCorrupted, pos)
		}
		if _, err := l.f.ReadAt(prefix[:], pos); err != nil {
			return replayErr(err, pos)
		}

		n := int64(binary.BigEndian.Uint32(prefix[:]))
		if pos+4+n > l.size {
			return fmt.Errorf("%w: frame at offset %d overruns end of log", ErrCorrupted, pos)
		}
		payload := make([]byte, n)
		if _, err := l.f.ReadAt(payload, pos+4); err != nil {
			return replayErr(err, pos)
		}

		e, err := decodeEntry(payload)
		if err != nil {
			return err
		}
		e.indexOffset = pos
		if err := fn(e); err != nil {
			return err
		}
		pos += 4 + n
	}
	return nil
}

func replayErr(err error, pos int64) error {
	if err == io.EOF {
		return fmt.Errorf("%w: unexpected end of log at offset %d", ErrCorrupted, pos)
	}
	return err
}

func (l *indexLog) sync() error  { return l.f.Sync() }
func (l *indexLog) close() error { return l.f.Close() }
