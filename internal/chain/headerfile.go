package chain

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	klog "github.com/Klingon-tech/klingnet-staker/internal/log"
	"github.com/Klingon-tech/klingnet-staker/pkg/block"
)

// HeaderFileName is the file name of the persisted active chain.
const HeaderFileName = "headers.dat"

var errBadHeaderFile = errors.New("bad header file")

// SaveHeaders writes the active path, genesis first, to path. Each entry
// is a uvarint length followed by the header encoding. The file is
// written beside path and renamed into place. It returns the height
// saved.
func SaveHeaders(path string, hc *HeaderChain) (uint64, error) {
	v := hc.cur.Load()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return 0, fmt.Errorf("create header file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, cb := range v.active {
		enc := cb.Header.Bytes()
		n := binary.PutUvarint(lenBuf[:], uint64(len(enc)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("write header file: %w", err)
		}
		if _, err := w.Write(enc); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("write header file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("flush header file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync header file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close header file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename header file: %w", err)
	}
	return v.tip.Height, nil
}

// LoadHeaderChain rebuilds the chain saved at path. A missing, corrupt
// or foreign file yields a chain holding only genesis.
func LoadHeaderChain(path string, genesis *block.Header) *HeaderChain {
	logger := klog.WithComponent("chain")
	hc := NewHeaderChain(genesis)

	headers, err := readHeaderFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info().Msg("No saved header chain, starting from genesis")
		return hc
	case err != nil:
		logger.Warn().Err(err).Msg("Saved header chain unreadable, starting from genesis")
		return hc
	case len(headers) == 0 || headers[0].Hash() != hc.genesis.Hash:
		logger.Warn().Msg("Saved header chain has a different genesis, starting from genesis")
		return hc
	}

	if _, err := hc.AddHeaders(headers[1:]); err != nil {
		logger.Warn().Err(err).Uint64("height", hc.Height()).Msg("Saved header chain truncated at a bad header")
	}
	logger.Info().Uint64("height", hc.Height()).Str("tip", hc.Tip().Hash.Short()).Msg("Loaded header chain")
	return hc
}

func readHeaderFile(path string) ([]*block.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []*block.Header
	for {
		size, err := binary.ReadUvarint(r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", errBadHeaderFile, len(out), err)
		}
		if size != block.HeaderSize {
			return nil, fmt.Errorf("%w: entry %d has length %d", errBadHeaderFile, len(out), size)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", errBadHeaderFile, len(out), err)
		}
		h, err := block.DecodeHeader(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
}
