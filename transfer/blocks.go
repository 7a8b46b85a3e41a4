package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filerelay/models"
)

// ErrDigestMismatch indicates the received file differs from what the sender read.
var ErrDigestMismatch = errors.New("transfer: digest mismatch")

// source reads a local file block by block for the sending side.
type source struct {
	f         *os.File
	size      int64
	blockSize int
}

func openSource(path string, blockSize int) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%q is not a regular file", path)
	}
	return &source{f: f, size: info.Size(), blockSize: blockSize}, nil
}

// ReadBlock returns the bytes of block rank.
func (s *source) ReadBlock(rank int) ([]byte, error) {
	offset := int64(rank) * int64(s.blockSize)
	if rank < 0 || offset >= s.size {
		return nil, fmt.Errorf("block %d out of range for %d bytes", rank, s.size)
	}
	n := int64(s.blockSize)
	if remaining := s.size - offset; remaining < n {
		n = remaining
	}
	buf := make([]byte, n)
	if _, err := s.f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read block %d: %w", rank, err)
	}
	return buf, nil
}

// Digest hashes the whole file.
func (s *source) Digest() ([]byte, error) {
	return digestReader(io.NewSectionReader(s.f, 0, s.size))
}

func (s *source) Close() error {
	return s.f.Close()
}

// recordLoader reads the current record; the sink learns the final size from it.
type recordLoader interface {
	GetTransfer(id string) (models.TransferRecord, error)
}

// fileSink writes received blocks into a work file and publishes it on Finish.
type fileSink struct {
	records   recordLoader
	id        string
	blockSize int
	partPath  string
	finalPath string

	mu sync.Mutex
	f  *os.File
}

func newFileSink(records recordLoader, rec models.TransferRecord, rule models.Rule) *fileSink {
	return &fileSink{
		records:   records,
		id:        rec.ID,
		blockSize: rec.BlockSize,
		partPath:  partPath(rule, rec),
		finalPath: filepath.Join(rule.RecvPath, rec.Filename),
	}
}

func partPath(rule models.Rule, rec models.TransferRecord) string {
	return filepath.Join(rule.WorkPath, rec.ID+"_"+filepath.Base(rec.Filename)+".part")
}

// WriteBlock writes the block at its offset and syncs before returning.
func (s *fileSink) WriteBlock(rank int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return err
	}
	if _, err := s.f.WriteAt(data, int64(rank)*int64(s.blockSize)); err != nil {
		return fmt.Errorf("write block %d: %w", rank, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync block %d: %w", rank, err)
	}
	return nil
}

// Finish trims the work file to the transfer size, checks the digest and
// renames it into place. A file already published by an earlier attempt is
// accepted if it matches.
func (s *fileSink) Finish(rank int, digest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.records.GetTransfer(s.id)
	if err != nil {
		return fmt.Errorf("load transfer %q: %w", s.id, err)
	}

	if _, err := os.Stat(s.partPath); errors.Is(err, os.ErrNotExist) {
		if s.f == nil {
			if err := verifyFile(s.finalPath, rec.FileSize, digest); err == nil {
				return nil
			}
		}
	}

	if err := s.openLocked(); err != nil {
		return err
	}
	if err := s.f.Truncate(rec.FileSize); err != nil {
		return fmt.Errorf("truncate %q: %w", s.partPath, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync %q: %w", s.partPath, err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close %q: %w", s.partPath, err)
	}
	s.f = nil

	if err := verifyFile(s.partPath, rec.FileSize, digest); err != nil {
		return models.Wrap(models.CodeInternal, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.finalPath), 0o700); err != nil {
		return fmt.Errorf("create %q: %w", filepath.Dir(s.finalPath), err)
	}
	if err := os.Rename(s.partPath, s.finalPath); err != nil {
		return fmt.Errorf("publish %q: %w", s.finalPath, err)
	}
	return nil
}

// Close releases the work file without publishing it.
func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileSink) openLocked() error {
	if s.f != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.partPath), 0o700); err != nil {
		return fmt.Errorf("create %q: %w", filepath.Dir(s.partPath), err)
	}
	f, err := os.OpenFile(s.partPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open %q: %w", s.partPath, err)
	}
	s.f = f
	return nil
}

func verifyFile(path string, size int64, digest []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != size {
		return fmt.Errorf("%q has %d bytes, expected %d", path, info.Size(), size)
	}
	if len(digest) == 0 {
		return nil
	}
	sum, err := digestReader(f)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, digest) {
		return fmt.Errorf("%w: got %s, sender %s", ErrDigestMismatch, hex.EncodeToString(sum), hex.EncodeToString(digest))
	}
	return nil
}

func digestReader(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("hash file: %w", err)
	}
	return h.Sum(nil), nil
}
