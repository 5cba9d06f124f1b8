package client

import (
	"encoding/base64"
	"fmt"

	"github.com/ondralukes/sfshr/internal/crypto"
	"github.com/ondralukes/sfshr/internal/storage"
)

// Token is a decoded download token: a blob id, and an optional
// decryption key when the upload was encrypted.
type Token struct {
	ID  storage.ID
	Key []byte // nil when the upload was not encrypted
}

// EncodeToken builds the base64 token string a client hands out after
// a successful upload: the raw id, followed by the key when the upload
// was encrypted.
func EncodeToken(id storage.ID, key []byte) string {
	raw := append(append([]byte(nil), id.Bytes()...), key...)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeToken validates and decodes a token string entirely
// client-side (no network I/O): only a 32-byte or 64-byte decode is
// accepted, any other length is invalid.
func DecodeToken(s string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Token{}, newErr(CorruptedMessage, fmt.Errorf("invalid token encoding: %w", err))
	}

	switch len(raw) {
	case storage.IDSize:
		id, _ := storage.ParseID(raw)
		return Token{ID: id}, nil
	case storage.IDSize + crypto.KeySize:
		id, _ := storage.ParseID(raw[:storage.IDSize])
		key := append([]byte(nil), raw[storage.IDSize:]...)
		return Token{ID: id, Key: key}, nil
	default:
		return Token{}, newErr(CorruptedMessage, fmt.Errorf("token decodes to %d bytes, want %d or %d", len(raw), storage.IDSize, storage.IDSize+crypto.KeySize))
	}
}
