package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Record layout inside a segment: magic(4) | length(4) | payload.
const (
	recordMagic      uint32 = 0x4b53544b // "KTSK"
	recordHeaderSize        = 8
)

var errBadRecord = errors.New("bad segment record")

func segmentName(n uint32) string {
	return fmt.Sprintf("blk%05d.dat", n)
}

// listSegments returns the segment numbers present in dir in order.
func listSegments(dir string) ([]uint32, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "blk*.dat"))
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, m := range matches {
		var n uint32
		if _, err := fmt.Sscanf(filepath.Base(m), "blk%05d.dat", &n); err == nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func encodeRecord(payload []byte) []byte {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	return append(buf, payload...)
}

// readRecord reads the record starting at offset. It returns the payload
// and the offset just past it; io.EOF marks a clean end of file and
// errBadRecord a torn or foreign tail.
func readRecord(r io.ReaderAt, offset int64) ([]byte, int64, error) {
	var hdr [recordHeaderSize]byte
	n, err := r.ReadAt(hdr[:], offset)
	if n == 0 && errors.Is(err, io.EOF) {
		return nil, offset, io.EOF
	}
	if n < recordHeaderSize {
		return nil, offset, errBadRecord
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != recordMagic {
		return nil, offset, errBadRecord
	}
	size := binary.LittleEndian.Uint32(hdr[4:8])
	payload := make([]byte, size)
	if n, _ := r.ReadAt(payload, offset+recordHeaderSize); n < int(size) {
		return nil, offset, errBadRecord
	}
	return payload, offset + recordHeaderSize + int64(size), nil
}

// segmentFiles owns the append handle and cached read handles.
type segmentFiles struct {
	dir     string
	maxSize int64

	cur     uint32
	offset  int64
	writer  *os.File
	readers map[uint32]*os.File
}

func (s *segmentFiles) path(n uint32) string {
	return filepath.Join(s.dir, segmentName(n))
}

// openWriter positions the append handle at (n, offset), truncating any
// torn tail beyond offset.
func (s *segmentFiles) openWriter(n uint32, offset int64) error {
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
	f, err := os.OpenFile(s.path(n), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", n, err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return fmt.Errorf("truncate segment %d: %w", n, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek segment %d: %w", n, err)
	}
	s.cur, s.offset, s.writer = n, offset, f
	return nil
}

// append writes rec, rotating to a new segment when it would not fit.
func (s *segmentFiles) append(rec []byte) (uint32, int64, error) {
	if s.offset > 0 && s.offset+int64(len(rec)) > s.maxSize {
		if err := s.writer.Sync(); err != nil {
			return 0, 0, fmt.Errorf("sync segment %d: %w", s.cur, err)
		}
		if err := s.openWriter(s.cur+1, 0); err != nil {
			return 0, 0, err
		}
	}
	off := s.offset
	if _, err := s.writer.Write(rec); err != nil {
		return 0, 0, fmt.Errorf("write segment %d: %w", s.cur, err)
	}
	s.offset += int64(len(rec))
	return s.cur, off, nil
}

func (s *segmentFiles) reader(n uint32) (*os.File, error) {
	if f, ok := s.readers[n]; ok {
		return f, nil
	}
	f, err := os.Open(s.path(n))
	if err != nil {
		return nil, err
	}
	s.readers[n] = f
	return f, nil
}

func (s *segmentFiles) close() error {
	var first error
	for n, f := range s.readers {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.readers, n)
	}
	if s.writer != nil {
		if err := s.writer.Sync(); err != nil && first == nil {
			first = err
		}
		if err := s.writer.Close(); err != nil && first == nil {
			first = err
		}
		s.writer = nil
	}
	return first
}
