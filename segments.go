package segstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// segments manages the ordered set of rotating data files. Appends always
// go to the last segment; a new segment is started once the last one grows
// beyond the size threshold, so a single record never spans two files.
type segments struct {
	dir       string
	suffix    string // copySuffix during compaction, "" otherwise
	threshold int64

	files []*os.File
	tail  int64 // size of the last segment
}

func openSegments(dir, suffix string, threshold int64) (*segments, error) {
	s := &segments{dir: dir, suffix: suffix, threshold: threshold}
	if err := s.discover(); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

// discover lists existing segment files, verifies their ordinals are
// contiguous, and opens them in order. Segment 0 is created when none
// exist yet.
func (s *segments) discover() error {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var ids []int
	for _, ent := range dirents {
		if id, ok := parseSegmentName(ent.Name(), s.suffix); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	for i, id := range ids {
		if i != id {
			return fmt.Errorf("%w: data segment %04d is missing", ErrCorrupted, i)
		}
		f, err := os.OpenFile(s.name(id), os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		s.files = append(s.files, f)
	}
	if len(s.files) == 0 {
		return s.rotate()
	}

	stat, err := s.files[len(s.files)-1].Stat()
	if err != nil {
		return err
	}
	s.tail = stat.Size()
	return nil
}

// rotate creates the next segment file and makes it current.
func (s *segments) rotate() error {
	f, err := os.OpenFile(s.name(len(s.files)), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	s.files = append(s.files, f)
	s.tail = 0
	return nil
}

// append writes rec to the end of the current segment and reports where
// it landed. Rotation happens after the write, once the segment has grown
// past the threshold.
func (s *segments) append(rec []byte) (segmentID uint32, offset uint64, err error) {
	id := len(s.files) - 1
	off := s.tail

	if _, err = s.files[id].WriteAt(rec, off); err != nil {
		return 0, 0, err
	}
	s.tail += int64(len(rec))

	if s.tail > s.threshold {
		if err = s.rotate(); err != nil {
			return 0, 0, err
		}
	}
	return uint32(id), uint64(off), nil
}

// read returns exactly length bytes from the given segment and offset.
func (s *segments) read(segmentID uint32, offset uint64, length uint32) ([]byte, error) {
	if int(segmentID) >= len(s.files) {
		return nil, fmt.Errorf("segstore: unknown data segment %04d", segmentID)
	}
	rec := make([]byte, length)
	if _, err := s.files[segmentID].ReadAt(rec, int64(offset)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *segments) sync() error {
	for _, f := range s.files {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (s *segments) close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.files = nil
	return first
}

func (s *segments) name(id int) string {
	return filepath.Join(s.dir, segmentName(id, s.suffix))
}

// --------------------------------------------------------------------

// segmentName returns the file name of a segment, zero-padded so that
// lexicographic and numeric ordering agree.
func segmentName(id int, suffix string) string {
	return fmt.Sprintf("%s_%04d%s%s", filePrefix, id, suffix, dataExt)
}

// parseSegmentName extracts the ordinal from a segment file name, or
// reports false if the name does not belong to the given generation.
func parseSegmentName(name, suffix string) (int, bool) {
	prefix := filePrefix + "_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix+dataExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix+dataExt)
	if len(digits) != 4 {
		return 0, false
	}
	id, err := strconv.Atoi(digits)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// listStoreFiles returns the index log file name (or "") and the sorted
// segment file names of one generation.
func listStoreFiles(dir, suffix string) (index string, segs []string, err error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, err
	}
	for _, ent := range dirents {
		name := ent.Name()
		if name == filePrefix+suffix+indexExt {
			index = name
		} else if _, ok := parseSegmentName(name, suffix); ok {
			segs = append(segs, name)
		}
	}
	sort.Strings(segs)
	return index, segs, nil
}
