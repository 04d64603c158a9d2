// Package blockstore persists full block bodies in append-only segment
// files with a key-value index, plus the transaction index derived from
// them.
package blockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/internal/storage"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
	"github.com/Klingon-tech/klingnet-staker/pkg/types"
)

// ErrNotFound is returned when a block body is not stored.
var ErrNotFound = errors.New("block not found")

// Defaults used when Options leaves a field zero.
const (
	DefaultCacheSize   = 1000
	DefaultMaxFileSize = 128 << 20
)

// DownloadMode reports whether the node is in initial download. The
// store skips its cache while it is.
type DownloadMode interface {
	InDownload() bool
}

// Options configures Open.
type Options struct {
	CacheSize   int
	MaxFileSize int64
	Mode        DownloadMode
}

// storedBlock is the JSON payload of a segment record.
type storedBlock struct {
	Block *block.Block     `json:"block"`
	Pos   *block.PosParams `json:"pos,omitempty"`
}

// Store holds block bodies keyed by hash.
type Store struct {
	mu    sync.Mutex
	db    storage.DB
	seg   *segmentFiles
	cache *lru.Cache[types.Hash, *block.Block]
	mode  DownloadMode
	txs   *TxIndex

	logger zerolog.Logger
}

// Open opens (or creates) the store in dir with its index in db. Any
// records written after the last persisted index position are indexed
// before Open returns.
func Open(dir string, db storage.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("blockstore: nil database")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blocks dir: %w", err)
	}
	cache, err := lru.New[types.Hash, *block.Block](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	s := &Store{
		db: db,
		seg: &segmentFiles{
			dir:     dir,
			maxSize: opts.MaxFileSize,
			readers: make(map[uint32]*os.File),
		},
		cache:  cache,
		mode:   opts.Mode,
		txs:    &TxIndex{db: db},
		logger: klog.WithComponent("blockstore"),
	}
	if err := s.Reindex(); err != nil {
		s.seg.close()
		return nil, err
	}
	return s, nil
}

// TxIndex returns the transaction index maintained alongside the store.
func (s *Store) TxIndex() *TxIndex {
	return s.txs
}

// Close flushes and closes the segment files. The index database is
// owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seg.close()
}

// Put appends blk with its PoS parameters. Storing a block that is
// already present is a no-op.
func (s *Store) Put(blk *block.Block, pos *block.PosParams) error {
	hash := blk.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, err := s.db.Has(hashKey(prefixBlock, hash)); err != nil {
		return fmt.Errorf("check block %s: %w", hash, err)
	} else if ok {
		return nil
	}

	payload, err := json.Marshal(storedBlock{Block: blk, Pos: pos})
	if err != nil {
		return fmt.Errorf("encode block %s: %w", hash, err)
	}
	file, off, err := s.seg.append(encodeRecord(payload))
	if err != nil {
		return err
	}

	b := newBatch(s.db)
	loc := location{file: file, offset: off, size: uint32(len(payload))}
	if err := s.indexRecord(b, hash, blk, loc); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("index block %s: %w", hash, err)
	}

	if s.mode == nil || !s.mode.InDownload() {
		s.cache.Add(hash, blk)
	}
	return nil
}

// indexRecord stages the index entries for one record, including the
// new write position.
func (s *Store) indexRecord(b storage.Batch, hash types.Hash, blk *block.Block, loc location) error {
	if err := b.Put(hashKey(prefixBlock, hash), loc.bytes()); err != nil {
		return err
	}
	if err := s.txs.stage(b, hash, blk); err != nil {
		return err
	}
	end := writePos{file: loc.file, offset: loc.offset + recordHeaderSize + int64(loc.size)}
	return b.Put(keyWritePos, end.bytes())
}

// Has reports whether the body of hash is stored.
func (s *Store) Has(hash types.Hash) bool {
	if s.cache.Contains(hash) {
		return true
	}
	ok, err := s.db.Has(hashKey(prefixBlock, hash))
	return err == nil && ok
}

// Get returns the stored body of hash.
func (s *Store) Get(hash types.Hash) (*block.Block, error) {
	if blk, ok := s.cache.Peek(hash); ok {
		return blk, nil
	}
	rec, err := s.load(hash)
	if err != nil {
		return nil, err
	}
	return rec.Block, nil
}

// GetPos returns the PoS parameters recorded for hash.
func (s *Store) GetPos(hash types.Hash) (*block.PosParams, bool, error) {
	data, err := s.db.Get(hashKey(prefixPos, hash))
	switch {
	case err == nil:
		var p block.PosParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, false, fmt.Errorf("decode pos %s: %w", hash, err)
		}
		return &p, true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, err
	}
	rec, err := s.load(hash)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Pos, rec.Pos != nil, nil
}

// UpdatePos records PoS parameters for a block already stored. Segment
// records are never rewritten; the value lives in the index.
func (s *Store) UpdatePos(hash types.Hash, pos block.PosParams) error {
	if !s.Has(hash) {
		return fmt.Errorf("update pos %s: %w", hash, ErrNotFound)
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return s.db.Put(hashKey(prefixPos, hash), data)
}

func (s *Store) load(hash types.Hash) (*storedBlock, error) {
	raw, err := s.db.Get(hashKey(prefixBlock, hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup block %s: %w", hash, err)
	}
	loc, ok := decodeLocation(raw)
	if !ok {
		return nil, fmt.Errorf("corrupt location for block %s", hash)
	}

	s.mu.Lock()
	f, err := s.seg.reader(loc.file)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", loc.file, err)
	}
	payload, _, err := readRecord(f, loc.offset)
	if err != nil {
		return nil, fmt.Errorf("read block %s: %w", hash, err)
	}
	var rec storedBlock
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash, err)
	}
	if rec.Block == nil || rec.Block.Hash() != hash {
		return nil, fmt.Errorf("block %s: record hash mismatch", hash)
	}
	return &rec, nil
}

// HeaderTip is the part of the header chain FindLastContiguous needs.
type HeaderTip interface {
	Tip() *block.ChainedBlock
}

// FindLastContiguous walks back from the active tip to the highest block
// whose body is stored. It returns the genesis entry when nothing above
// it is.
func (s *Store) FindLastContiguous(headers HeaderTip) *block.ChainedBlock {
	cb := headers.Tip()
	for cb != nil && cb.Prev != nil {
		if s.Has(cb.Hash) {
			return cb
		}
		cb = cb.Prev
	}
	return cb
}

// Reindex scans the segment files from the last persisted write
// position and indexes every complete record found there. A torn record
// at the end of the last segment is truncated away.
func (s *Store) Reindex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := writePos{}
	if raw, err := s.db.Get(keyWritePos); err == nil {
		start, _ = decodeWritePos(raw)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read write position: %w", err)
	}

	segs, err := listSegments(s.seg.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	file, offset := start.file, int64(0)
	indexed := 0
	for _, n := range segs {
		if n < start.file {
			continue
		}
		off := int64(0)
		if n == start.file {
			off = start.offset
		}
		end, count, err := s.scanSegment(n, off)
		if err != nil {
			return err
		}
		file, offset = n, end
		indexed += count
	}
	if indexed > 0 {
		s.logger.Info().Int("blocks", indexed).Msg("Indexed blocks found past the write position")
	}
	return s.seg.openWriter(file, offset)
}

// scanSegment indexes the records of segment n starting at off and
// returns the offset after the last good record.
func (s *Store) scanSegment(n uint32, off int64) (int64, int, error) {
	f, err := os.Open(s.seg.path(n))
	if err != nil {
		return 0, 0, fmt.Errorf("open segment %d: %w", n, err)
	}
	defer f.Close()

	count := 0
	for {
		payload, next, err := readRecord(f, off)
		if errors.Is(err, io.EOF) {
			return off, count, nil
		}
		if errors.Is(err, errBadRecord) {
			s.logger.Warn().Uint32("segment", n).Int64("offset", off).Msg("Truncating torn segment tail")
			return off, count, nil
		}
		if err != nil {
			return 0, 0, err
		}
		var rec storedBlock
		if err := json.Unmarshal(payload, &rec); err != nil || rec.Block == nil || rec.Block.Header == nil {
			s.logger.Warn().Uint32("segment", n).Int64("offset", off).Msg("Undecodable record, truncating")
			return off, count, nil
		}
		hash := rec.Block.Hash()
		if ok, _ := s.db.Has(hashKey(prefixBlock, hash)); !ok {
			b := newBatch(s.db)
			loc := location{file: n, offset: off, size: uint32(len(payload))}
			if err := s.indexRecord(b, hash, rec.Block, loc); err != nil {
				return 0, 0, err
			}
			if err := b.Commit(); err != nil {
				return 0, 0, fmt.Errorf("index block %s: %w", hash, err)
			}
			count++
		}
		off = next
	}
}

// LastIndexed returns the persisted indexed-block watermark.
func (s *Store) LastIndexed() (types.Hash, uint64, bool) {
	return readMarker(s.db, keyLastIndexed)
}

// SetLastIndexed persists the indexed-block watermark. Stored blocks
// have their transactions indexed on Put, so the tx index watermark
// advances with it.
func (s *Store) SetLastIndexed(hash types.Hash, height uint64) error {
	_, _, hasWM := s.txs.Watermark()
	_, _, hasLast := s.LastIndexed()
	b := newBatch(s.db)
	if err := b.Put(keyLastIndexed, marker{height: height, hash: hash}.bytes()); err != nil {
		return err
	}
	// A reset index keeps no watermark until CatchUp has rebuilt it.
	if hasWM || !hasLast {
		if err := s.txs.setWatermark(b, hash, height); err != nil {
			return err
		}
	}
	return b.Commit()
}

func readMarker(db storage.DB, key []byte) (types.Hash, uint64, bool) {
	raw, err := db.Get(key)
	if err != nil {
		return types.Hash{}, 0, false
	}
	m, ok := decodeMarker(raw)
	return m.hash, m.height, ok
}

// newBatch returns an atomic batch when db supports one and a direct
// writer otherwise.
func newBatch(db storage.DB) storage.Batch {
	if b, ok := db.(storage.Batcher); ok {
		return b.NewBatch()
	}
	return directBatch{db}
}

type directBatch struct{ db storage.DB }

func (d directBatch) Put(key, value []byte) error { return d.db.Put(key, value) }
func (d directBatch) Delete(key []byte) error     { return d.db.Delete(key) }
func (d directBatch) Commit() error               { return nil }
