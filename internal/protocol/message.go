// Package protocol implements the relay's length-prefixed message
// framing: little-endian integer fields and length-prefixed buffers,
// carried over a single u32-length-prefixed frame per message.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrCorrupt is returned when a message ends before a requested field
// can be fully read.
var ErrCorrupt = errors.New("protocol: message truncated")

// Command identifies the first field of an Idle-state client message.
type Command int32

const (
	CommandBeginUpload   Command = 0
	CommandBeginDownload Command = 1
)

// DownloadStatus identifies the first field of a download-stream
// message sent from server to client.
type DownloadStatus int8

const (
	StatusChunk DownloadStatus = 1
	StatusEOF   DownloadStatus = 0
	StatusError DownloadStatus = -1
)

// IDSize is the length in bytes of an upload/download identifier.
const IDSize = 32

// IVSize is the length in bytes of the AES-CBC initialization vector.
const IVSize = 16

// Writer accumulates typed fields into one message payload, ready to be
// framed and written to the wire by WriteMessage.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

func (w *Writer) WriteI32(v int32) *Writer {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
	return w
}

func (w *Writer) WriteU8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteI8(v int8) *Writer {
	w.buf = append(w.buf, byte(v))
	return w
}

func (w *Writer) WriteU64(v uint64) *Writer {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

// WriteBuffer appends a length-prefixed byte sequence (u32 LE length).
func (w *Writer) WriteBuffer(b []byte) *Writer {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b)))
	w.buf = append(w.buf, tmp[:]...)
	w.buf = append(w.buf, b...)
	return w
}

// Bytes returns the accumulated message payload (without the outer
// frame length prefix; that is added by the transport on send).
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader parses typed fields out of one message payload in order.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) ReadI32() (int32, error) {
	if r.remaining() < 4 {
		return 0, ErrCorrupt
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return int32(v), nil
}

func (r *Reader) ReadU8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrCorrupt
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

func (r *Reader) ReadU64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrCorrupt
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// ReadBuffer reads a u32-length-prefixed byte sequence.
func (r *Reader) ReadBuffer() ([]byte, error) {
	if r.remaining() < 4 {
		return nil, ErrCorrupt
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	if uint64(r.remaining()) < uint64(n) {
		return nil, ErrCorrupt
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// ReadUTF8Buffer reads a length-prefixed buffer and validates it as UTF-8.
func (r *Reader) ReadUTF8Buffer() (string, error) {
	b, err := r.ReadBuffer()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("protocol: invalid UTF-8 in buffer field")
	}
	return string(b), nil
}
