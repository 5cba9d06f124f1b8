// Package storage implements blob persistence: random-id generation,
// exclusive on-disk blob creation with an 8-byte expiration header, and
// append/read helpers.
package storage

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"
)

// IDSize is the length in bytes of a blob identifier.
const IDSize = 32

// HeaderSize is the length in bytes of the expiration header that
// precedes every blob's payload on disk.
const HeaderSize = 8

// ID is a 32-byte random blob identifier, hex-encoded for filenames.
type ID [IDSize]byte

func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Bytes() []byte {
	return id[:]
}

// ParseID parses a 32-byte slice into an ID. It returns an error if b
// is not exactly IDSize bytes.
func ParseID(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, errors.New("storage: id must be 32 bytes")
	}
	copy(id[:], b)
	return id, nil
}

// GenerateID produces a cryptographically random identifier.
func GenerateID() (ID, error) {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func blobPath(dir string, id ID) string {
	return filepath.Join(dir, id.Hex())
}

// Create generates a fresh random id, exclusively creates its blob
// file (O_EXCL, so a collision never silently truncates an existing
// blob; a colliding id is retried with a fresh one, up to three
// attempts in all), and writes the 8-byte little-endian expiration header.
// The caller is positioned immediately after the header, ready to
// append payload bytes.
func Create(dir string, expirationSeconds uint64) (*os.File, ID, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := GenerateID()
		if err != nil {
			return nil, ID{}, err
		}

		f, err := os.OpenFile(blobPath(dir, id), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			if os.IsExist(err) {
				// Astronomically unlikely; retry with a fresh id rather
				// than ever overwriting existing state.
				continue
			}
			return nil, ID{}, err
		}

		expireAt := uint64(time.Now().Unix()) + expirationSeconds
		var header [HeaderSize]byte
		binary.LittleEndian.PutUint64(header[:], expireAt)
		if _, err := f.Write(header[:]); err != nil {
			_ = f.Close()
			_ = os.Remove(blobPath(dir, id))
			return nil, ID{}, err
		}

		return f, id, nil
	}
	return nil, ID{}, errors.New("storage: failed to allocate a unique blob id")
}

// OpenForRead opens an existing blob positioned just past its
// expiration header, ready to stream payload bytes. A missing blob
// surfaces as a plain *PathError; the session layer translates that
// into an error a peer can't distinguish from an expired blob.
func OpenForRead(dir string, id ID) (*os.File, error) {
	f, err := os.Open(blobPath(dir, id))
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// Append writes-all of data to f.
func Append(f *os.File, data []byte) error {
	_, err := f.Write(data)
	return err
}

// Position returns the current write/read offset, including the
// 8-byte header.
func Position(f *os.File) (int64, error) {
	return f.Seek(0, io.SeekCurrent)
}

// Delete removes a blob file. Failure is tolerated by callers (logged,
// not propagated).
func Delete(dir string, id ID) error {
	return os.Remove(blobPath(dir, id))
}

// ReadHeader reads the 8-byte expiration header of the blob at path
// without disturbing the rest of the file, used by the reaper.
func ReadHeader(path string) (expireAt uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var header [HeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(header[:]), nil
}

// EnsureDir creates the uploads directory if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
