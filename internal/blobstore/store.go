package blobstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Store is the binary store contract used for attachments.
type Store interface {
	Save(ctx context.Context, data []byte) (string, error)
	Load(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

var (
	ErrNotFound = errors.New("blob not found")
	ErrCorrupt  = errors.New("blob corrupt")
)

var magic = [4]byte{'R', 'L', 'B', '1'}

const (
	flagZstd   byte = 1
	headerSize      = 4 + 1 + 8 + 32
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blobstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blobstore: zstd decoder initialization failed: " + err.Error())
	}
}

// FS stores each blob as one file under Root. The file starts with a
// header holding the uncompressed size and the BLAKE3 digest of the
// content, which Load verifies.
type FS struct {
	Root     string
	Compress bool
}

func NewFS(root string, compress bool) (*FS, error) {
	if root == "" {
		return nil, errors.New("blobstore root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{Root: root, Compress: compress}, nil
}

func (s *FS) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return filepath.Join(s.Root, id[:2], id), nil
}

func (s *FS) Save(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	p, err := s.path(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}

	var flags byte
	payload := data
	if s.Compress {
		// Keep the raw bytes when compression does not pay off.
		if c := zstdEncoder.EncodeAll(data, nil); len(c) < len(data) {
			payload = c
			flags |= flagZstd
		}
	}
	digest := blake3.Sum256(data)
	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.Write(magic[:])
	buf.WriteByte(flags)
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	buf.Write(size[:])
	buf.Write(digest[:])
	buf.Write(payload)

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return id, nil
}

func (s *FS) Load(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if len(raw) < headerSize || !bytes.Equal(raw[:4], magic[:]) {
		return nil, fmt.Errorf("%w: %s: bad header", ErrCorrupt, id)
	}
	flags := raw[4]
	size := binary.BigEndian.Uint64(raw[5:13])
	var want [32]byte
	copy(want[:], raw[13:headerSize])
	payload := raw[headerSize:]

	data := payload
	if flags&flagZstd != 0 {
		data, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
		}
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("%w: %s: size %d, expected %d", ErrCorrupt, id, len(data), size)
	}
	if blake3.Sum256(data) != want {
		return nil, fmt.Errorf("%w: %s: digest mismatch", ErrCorrupt, id)
	}
	return data, nil
}

// Delete removes a blob. Deleting a missing blob succeeds.
func (s *FS) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
