// Package crypto implements the client's optional AES-256-CBC stream
// transform: a random key and IV are generated per-transfer, the IV is
// transmitted ahead of the ciphertext as an ordinary chunk, and CBC
// padding is applied/removed at the stream boundary. There is no MAC
// on the ciphertext; tampering is a known, documented limitation of
// the protocol.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// IVSize is the AES block size used as the CBC initialization vector.
const IVSize = aes.BlockSize

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// GenerateIV returns a fresh random 16-byte initialization vector.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}
	return iv, nil
}

// EncryptReader wraps an io.Reader, applying PKCS#7 padding and
// AES-256-CBC encryption to everything read from it. The IV is not
// emitted by this reader; the caller transmits it separately as the
// first chunk on the wire, ahead of the ciphertext stream.
type EncryptReader struct {
	src      io.Reader
	stream   cipher.BlockMode
	block    cipher.Block
	pending  []byte // unencrypted bytes shorter than one block, held back
	out      []byte // encrypted bytes ready to hand out
	finished bool
}

// NewEncryptReader builds an EncryptReader keyed by key, using iv as the
// initial chaining value.
func NewEncryptReader(src io.Reader, key, iv []byte) (*EncryptReader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return &EncryptReader{
		src:    src,
		block:  block,
		stream: cipher.NewCBCEncrypter(block, iv),
	}, nil
}

func (r *EncryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.finished {
			return 0, io.EOF
		}

		buf := make([]byte, 64*1024)
		n, err := r.src.Read(buf)
		if n > 0 {
			r.pending = append(r.pending, buf[:n]...)
		}

		blockSize := r.block.BlockSize()
		whole := (len(r.pending) / blockSize) * blockSize
		if err == nil && whole > 0 {
			ciphertext := make([]byte, whole)
			r.stream.CryptBlocks(ciphertext, r.pending[:whole])
			r.out = append(r.out, ciphertext...)
			r.pending = r.pending[whole:]
			continue
		}

		if err == io.EOF {
			padded := pkcs7Pad(r.pending, blockSize)
			ciphertext := make([]byte, len(padded))
			r.stream.CryptBlocks(ciphertext, padded)
			r.out = append(r.out, ciphertext...)
			r.pending = nil
			r.finished = true
			continue
		}

		if err != nil {
			return 0, err
		}
	}

	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// DecryptReader wraps an io.Reader of ciphertext (not including the IV,
// which the caller must already have consumed out-of-band), reversing
// AES-256-CBC and stripping PKCS#7 padding from the final block.
type DecryptReader struct {
	src     io.Reader
	stream  cipher.BlockMode
	block   cipher.Block
	pending []byte // raw ciphertext bytes read but not yet decrypted
	held    []byte // the most recently decrypted block, held back in
	// case it turns out to be the last one (and needs unpadding)
	out  []byte
	eof  bool
	done bool
}

// NewDecryptReader builds a DecryptReader keyed by key, using iv as the
// initial chaining value.
func NewDecryptReader(src io.Reader, key, iv []byte) (*DecryptReader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return &DecryptReader{
		src:    src,
		block:  block,
		stream: cipher.NewCBCDecrypter(block, iv),
	}, nil
}

func (r *DecryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.done {
			return 0, io.EOF
		}

		if !r.eof {
			buf := make([]byte, 64*1024)
			n, err := r.src.Read(buf)
			if n > 0 {
				r.pending = append(r.pending, buf[:n]...)
			}
			if err == io.EOF {
				r.eof = true
			} else if err != nil {
				return 0, err
			}
		}

		blockSize := r.block.BlockSize()
		// Hold back the last full block until EOF, since it may carry
		// PKCS#7 padding that must be stripped before it's released.
		keep := blockSize
		if r.eof {
			keep = 0
		}
		whole := len(r.pending) - keep
		whole -= whole % blockSize
		if whole < 0 {
			whole = 0
		}

		if whole > 0 {
			plain := make([]byte, whole)
			r.stream.CryptBlocks(plain, r.pending[:whole])
			r.held = append(r.held, plain...)
			r.pending = r.pending[whole:]
		}

		if r.eof {
			if len(r.pending) > 0 {
				return 0, fmt.Errorf("crypto: ciphertext length %d is not a multiple of the block size", len(r.pending)+whole)
			}
			unpadded, err := pkcs7Unpad(r.held, blockSize)
			if err != nil {
				return 0, fmt.Errorf("crypto: %w", err)
			}
			r.out = unpadded
			r.held = nil
			r.done = true
			continue
		}

		if whole == 0 {
			// Not enough buffered yet to release anything; pull more
			// from src before returning to the caller.
			continue
		}
		r.out, r.held = r.held, nil
	}

	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
