package client

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ondralukes/sfshr/internal/crypto"
	"github.com/ondralukes/sfshr/internal/protocol"
	"github.com/ondralukes/sfshr/internal/storage"
)

// UploadOptions configures one upload.
type UploadOptions struct {
	ServerAddr string
	Encrypt    bool
	Compress   bool
	// PreflightSize is the pre-measured size in bytes of the source
	// being uploaded, 0 if unknown. When non-zero, it is checked
	// against the server's advertised maximum before any payload is
	// sent.
	PreflightSize int64
	Progress      func(sent int64) // optional, called after each chunk send
}

// UploadResult carries what the caller needs to build a download token
// and report progress.
type UploadResult struct {
	ID  storage.ID
	Key []byte // nil unless Encrypt was set
}

// UploadPath tars src (a file or directory) and uploads it to the
// relay. Compression (if
// requested) and encryption (if requested) are layered on top of the
// tar stream by uploadStream, in that order.
func UploadPath(src string, opts UploadOptions) (*UploadResult, error) {
	if opts.PreflightSize == 0 {
		if size, err := UploadFileSize(src); err == nil {
			opts.PreflightSize = size
		}
	}

	pr, pw := io.Pipe()
	go func() {
		err := tarDirectory(pw, src)
		_ = pw.CloseWithError(err)
	}()
	return uploadStream(pr, opts)
}

// uploadStream drives the wire protocol for one upload of the bytes
// read from src, optionally compressing then encrypting them first.
func uploadStream(src io.Reader, opts UploadOptions) (*UploadResult, error) {
	addr := opts.ServerAddr
	if addr == "" {
		addr = DefaultServerAddr
	}
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	fr := protocol.NewFrameReader(conn)

	begin := protocol.NewWriter()
	begin.WriteI32(int32(protocol.CommandBeginUpload))
	if err := protocol.WriteMessage(conn, begin); err != nil {
		return nil, newErr(NetworkError, err)
	}

	reply, err := fr.ReadBlocking(protocol.UploadConfirmTimeout)
	if err != nil {
		return nil, newErr(ServerError, err)
	}
	idBytes, err := reply.ReadBuffer()
	if err != nil {
		return nil, newErr(CorruptedMessage, err)
	}
	id, err := storage.ParseID(idBytes)
	if err != nil {
		return nil, newErr(CorruptedMessage, err)
	}
	maxSize, err := reply.ReadU64()
	if err != nil {
		return nil, newErr(CorruptedMessage, err)
	}

	if opts.PreflightSize > 0 && uint64(opts.PreflightSize) > maxSize {
		return nil, newErr(SizeLimitExceeded, fmt.Errorf("source is %d bytes, server accepts at most %d", opts.PreflightSize, maxSize))
	}

	result := &UploadResult{ID: id}
	stream := src

	if opts.Compress {
		pr, pw := io.Pipe()
		go func() {
			enc, err := newZstdEncoder(pw)
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			_, copyErr := io.Copy(enc, src)
			closeErr := enc.Close()
			if copyErr != nil {
				_ = pw.CloseWithError(copyErr)
				return
			}
			_ = pw.CloseWithError(closeErr)
		}()
		stream = pr
	}

	if opts.Encrypt {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, newErr(EncryptionError, err)
		}
		iv, err := crypto.GenerateIV()
		if err != nil {
			return nil, newErr(EncryptionError, err)
		}
		result.Key = key

		ivMsg := protocol.NewWriter()
		ivMsg.WriteU8(1)
		ivMsg.WriteBuffer(iv)
		if err := protocol.WriteMessage(conn, ivMsg); err != nil {
			return nil, newErr(NetworkError, err)
		}

		er, err := crypto.NewEncryptReader(stream, key, iv)
		if err != nil {
			return nil, newErr(EncryptionError, err)
		}
		stream = er
	}

	var sent int64
	buf := make([]byte, 256*1024)
	for {
		if status, desc := peekServerError(fr); status {
			return nil, newErr(ServerError, fmt.Errorf("%s", desc))
		}

		n, err := stream.Read(buf)
		if n > 0 {
			chunk := protocol.NewWriter()
			chunk.WriteU8(1)
			chunk.WriteBuffer(buf[:n])
			if werr := protocol.WriteMessage(conn, chunk); werr != nil {
				return nil, newErr(NetworkError, werr)
			}
			sent += int64(n)
			if opts.Progress != nil {
				opts.Progress(sent)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newErr(NetworkError, err)
		}
	}

	fin := protocol.NewWriter()
	fin.WriteU8(0)
	if err := protocol.WriteMessage(conn, fin); err != nil {
		return nil, newErr(NetworkError, err)
	}

	confirm, err := fr.ReadBlocking(protocol.UploadConfirmTimeout)
	if err != nil {
		return nil, newErr(ServerError, fmt.Errorf("no upload confirmation: %w", err))
	}
	status, err := confirm.ReadI8()
	if err != nil || status != 1 {
		return nil, newErr(ServerError, fmt.Errorf("server did not confirm upload"))
	}

	return result, nil
}

// peekServerError does a brief read for an unsolicited status=-1
// announcement between chunk sends, so the upload fails fast instead
// of streaming into a dead session. It shares fr with the rest of the
// upload so a frame split across calls isn't silently dropped.
func peekServerError(fr *protocol.FrameReader) (gotError bool, description string) {
	msg, perr := fr.Poll(time.Millisecond)
	if perr != nil {
		return false, ""
	}
	status, rerr := msg.ReadI8()
	if rerr != nil || protocol.DownloadStatus(status) != protocol.StatusError {
		return false, ""
	}
	desc, _ := msg.ReadBuffer()
	return true, string(desc)
}

// UploadFileSize stats path for the client-side pre-flight size check.
func UploadFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
