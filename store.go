package segstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Options configure a Store.
type Options struct {
	// LoadFactor is the minimum acceptable ratio of live entries to all
	// logged entries. Falling below it after a removal triggers a
	// synchronous compaction. Must be within (0, 1).
	// Default: 0.75.
	LoadFactor float64

	// SegmentSize is the size threshold in bytes after which a data
	// segment is rotated.
	// Default: 1MiB.
	SegmentSize int64

	// The compression codec applied to stored values.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *Options) norm() (*Options, error) {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.LoadFactor == 0 {
		oo.LoadFactor = 0.75
	}
	if oo.LoadFactor < 0 || oo.LoadFactor >= 1 {
		return nil, ErrLoadFactor
	}
	if oo.SegmentSize < 1 {
		oo.SegmentSize = 1 << 20
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	return &oo, nil
}

// --------------------------------------------------------------------

// Store is a single-writer, append-friendly key-value store persisted as
// flat files under a single directory. Handles are not safe for
// concurrent use without external locking.
type Store[T any] struct {
	dir   string
	codec Codec[T]
	opts  *Options

	index map[string]*entry
	log   *indexLog
	data  *segments

	capacity int // entries logged in the current generation
	size     int // live entries

	closed bool
}

// Open opens a store over dir, which must already exist. The codec is
// used to encode and decode all values.
func Open[T any](dir string, codec Codec[T], opts *Options) (*Store[T], error) {
	opts, err := opts.norm()
	if err != nil {
		return nil, err
	}
	if stat, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !stat.IsDir() {
		return nil, fmt.Errorf("segstore: %q is not a directory", dir)
	}

	s := &Store[T]{dir: dir, codec: codec, opts: opts, index: make(map[string]*entry)}
	if err := s.recover(); err != nil {
		return nil, err
	}
	if s.log, err = openIndexLog(s.indexName("")); err != nil {
		return nil, err
	}
	if s.data, err = openSegments(dir, "", opts.SegmentSize); err != nil {
		_ = s.log.close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Append stores value under key. Keys are unique: appending a key that is
// already live fails with ErrDuplicateKey.
func (s *Store[T]) Append(key string, value T) error {
	if s.closed {
		return ErrClosed
	}
	if key == "" {
		return ErrKeyEmpty
	}
	if _, ok := s.index[key]; ok {
		return ErrDuplicateKey
	}

	raw, err := s.codec.Encode(value)
	if err != nil {
		return err
	}
	rec := packValue(raw, s.opts.Compression)

	segID, offset, err := s.data.append(rec)
	if err != nil {
		return err
	}
	e := &entry{segmentID: segID, dataOffset: offset, dataLength: uint32(len(rec)), key: key}
	if err := s.log.append(e); err != nil {
		return err
	}

	s.index[key] = e
	s.capacity++
	s.size++
	return nil
}

// Get returns the value stored under key, or ok=false if the key is not
// live. Read and decode failures are surfaced, never masked.
func (s *Store[T]) Get(key string) (value T, ok bool, err error) {
	if s.closed {
		return value, false, ErrClosed
	}
	e, ok := s.index[key]
	if !ok {
		return value, false, nil
	}

	rec, err := s.data.read(e.segmentID, e.dataOffset, e.dataLength)
	if err != nil {
		return value, false, err
	}
	raw, err := unpackValue(rec)
	if err != nil {
		return value, false, err
	}
	if value, err = s.codec.Decode(raw); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// Remove deletes the value stored under key, reporting whether the key
// was present. When the ratio of live to logged entries drops below the
// load factor, the store is compacted before Remove returns; a returned
// error with present=true means the removal itself was persisted but
// compaction failed.
func (s *Store[T]) Remove(key string) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.index[key]
	if !ok {
		return false, nil
	}

	delete(s.index, key)
	s.size--

	e.deleted = true
	if err := s.log.rewrite(e); err != nil {
		// undo, the tombstone was not persisted
		e.deleted = false
		s.index[key] = e
		s.size++
		return false, err
	}

	if float64(s.size)/float64(s.capacity) < s.opts.LoadFactor {
		if err := s.compact(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// GenerateKey returns a fresh random UUID-v4 string. It does not touch
// store state.
func (s *Store[T]) GenerateKey() string { return uuid.NewString() }

// Len returns the number of live keys.
func (s *Store[T]) Len() int { return s.size }

// Cap returns the number of entries logged in the current file
// generation, tombstoned ones included.
func (s *Store[T]) Cap() int { return s.capacity }

// Close releases all file handles. Any subsequent operation on the
// handle fails with ErrClosed; closing twice is a no-op.
func (s *Store[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.log.close()
	if dErr := s.data.close(); err == nil {
		err = dErr
	}
	return err
}

// --------------------------------------------------------------------

// load rebuilds the in-memory index by replaying the index log.
// Tombstoned frames are skipped but still count towards capacity.
func (s *Store[T]) load() error {
	return s.log.replay(func(e *entry) error {
		if !e.deleted {
			s.index[e.key] = e
			s.size++
		}
		s.capacity++
		return nil
	})
}

// compact rewrites all live entries into a fresh index log and data
// segment generation, discarding tombstones. The new generation is
// staged under copy names and committed through a single atomic update
// of the generation file; an interrupted compaction is finished or
// discarded by the next Open.
func (s *Store[T]) compact() error {
	// clear any strays left by a previously failed attempt, the copy
	// generation must start out empty
	if err := s.discardCopies(); err != nil {
		return err
	}

	newLog, err := openIndexLog(s.indexName(copySuffix))
	if err != nil {
		return err
	}
	newData, err := openSegments(s.dir, copySuffix, s.opts.SegmentSize)
	if err != nil {
		_ = newLog.close()
		_ = s.discardCopies()
		return err
	}

	// re-append every live entry into the copy generation, value records
	// are relocated verbatim
	newIndex := make(map[string]*entry, s.size)
	err = s.log.replay(func(e *entry) error {
		if e.deleted {
			return nil
		}
		rec, err := s.data.read(e.segmentID, e.dataOffset, e.dataLength)
		if err != nil {
			return err
		}
		segID, offset, err := newData.append(rec)
		if err != nil {
			return err
		}
		ne := &entry{segmentID: segID, dataOffset: offset, dataLength: e.dataLength, key: e.key}
		if err := newLog.append(ne); err != nil {
			return err
		}
		newIndex[ne.key] = ne
		return nil
	})
	if err == nil {
		err = newLog.sync()
	}
	if err == nil {
		err = newData.sync()
	}

	numSegments := len(newData.files)
	if cErr := newLog.close(); err == nil {
		err = cErr
	}
	if cErr := newData.close(); err == nil {
		err = cErr
	}

	// commit point: once the generation file says swap, the copy
	// generation is authoritative
	if err == nil {
		err = s.writeGen(genSwap + " " + strconv.Itoa(numSegments))
	}
	if err != nil {
		_ = s.discardCopies()
		return err
	}

	if err := s.swapGenerations(numSegments); err != nil {
		s.closed = true
		return fmt.Errorf("segstore: compaction swap failed, reopen to recover: %w", err)
	}
	s.index = newIndex
	s.capacity = s.size
	return nil
}

// swapGenerations retires the old files, promotes the committed copy
// generation and reopens it as live.
func (s *Store[T]) swapGenerations(numSegments int) error {
	if err := s.log.close(); err != nil {
		return err
	}
	if err := s.data.close(); err != nil {
		return err
	}
	if err := s.finishSwap(numSegments); err != nil {
		return err
	}
	if err := s.writeGen(genLive); err != nil {
		return err
	}

	var err error
	if s.log, err = openIndexLog(s.indexName("")); err != nil {
		return err
	}
	if s.data, err = openSegments(s.dir, "", s.opts.SegmentSize); err != nil {
		return err
	}
	return nil
}

// finishSwap deletes whatever remains of the retired generation and
// renames the copy files to their canonical names. It converges when
// re-run after a partial previous attempt.
func (s *Store[T]) finishSwap(numSegments int) error {
	if copyIdx := s.indexName(copySuffix); fileExists(copyIdx) {
		if err := os.Rename(copyIdx, s.indexName("")); err != nil {
			return err
		}
	}

	// retired segments beyond the copy generation
	_, segs, err := listStoreFiles(s.dir, "")
	if err != nil {
		return err
	}
	for _, name := range segs {
		if id, _ := parseSegmentName(name, ""); id >= numSegments {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				return err
			}
		}
	}

	for id := 0; id < numSegments; id++ {
		copyName := filepath.Join(s.dir, segmentName(id, copySuffix))
		if !fileExists(copyName) {
			continue // already renamed
		}
		if err := os.Rename(copyName, filepath.Join(s.dir, segmentName(id, ""))); err != nil {
			return err
		}
	}
	return nil
}

// recover inspects the generation file and either finishes an
// interrupted, committed swap or discards uncommitted copy files.
func (s *Store[T]) recover() error {
	state, err := os.ReadFile(s.genName())
	if os.IsNotExist(err) {
		return s.discardCopies()
	} else if err != nil {
		return err
	}

	fields := strings.Fields(string(state))
	switch {
	case len(fields) == 2 && fields[0] == genSwap:
		numSegments, err := strconv.Atoi(fields[1])
		if err != nil || numSegments < 1 {
			return fmt.Errorf("%w: bad generation file %q", ErrCorrupted, state)
		}
		if err := s.finishSwap(numSegments); err != nil {
			return err
		}
		return s.writeGen(genLive)
	case len(fields) == 1 && fields[0] == genLive:
		return s.discardCopies()
	}
	return fmt.Errorf("%w: bad generation file %q", ErrCorrupted, state)
}

// discardCopies removes the leftovers of an uncommitted compaction.
func (s *Store[T]) discardCopies() error {
	index, segs, err := listStoreFiles(s.dir, copySuffix)
	if err != nil {
		return err
	}
	if index != "" {
		segs = append(segs, index)
	}
	for _, name := range segs {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	_ = os.Remove(s.genName() + ".tmp")
	return nil
}

// writeGen atomically replaces the generation file.
func (s *Store[T]) writeGen(state string) error {
	tmp := s.genName() + ".tmp"
	if err := os.WriteFile(tmp, []byte(state+"\n"), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.genName())
}

func (s *Store[T]) genName() string { return filepath.Join(s.dir, genFile) }

func (s *Store[T]) indexName(suffix string) string {
	return filepath.Join(s.dir, filePrefix+suffix+indexExt)
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
