package client

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ondralukes/sfshr/internal/crypto"
	"github.com/ondralukes/sfshr/internal/protocol"
)

// DownloadOptions configures one download.
type DownloadOptions struct {
	ServerAddr string
	Decompress bool            // must match the Compress the uploader used
	KeepTarTo  string          // if non-empty, write the raw tar stream here instead of extracting
	Progress   func(got int64) // optional, called after each chunk received
}

// DownloadToken fetches the blob named by tok and reconstructs it into
// destDir. Decryption
// (if tok carries a key) and decompression (if requested) are peeled
// off the stream before it reaches the tar extractor, the mirror image
// of the layering uploadStream applies on the way in.
func DownloadToken(tok Token, destDir string, opts DownloadOptions) error {
	pr, pw := io.Pipe()

	consume := make(chan error, 1)
	go func() {
		var err error
		if opts.KeepTarTo != "" {
			var f *os.File
			f, err = os.OpenFile(opts.KeepTarTo, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
			if err == nil {
				_, err = io.Copy(f, pr)
				cerr := f.Close()
				if err == nil {
					err = cerr
				}
			}
		} else {
			err = untarTo(pr, destDir)
		}
		// Closing the read side unblocks the producer if the consumer
		// bailed early (e.g. the destination-exists refusal).
		_ = pr.CloseWithError(err)
		consume <- err
	}()

	streamErr := downloadStream(tok, opts, pw)
	extractErr := <-consume

	// An extraction failure that wraps a TransferError originated on the
	// stream side (the pipe was closed with that error); report the
	// stream error in that case, the extractor's own error otherwise.
	var finalErr error
	var te *TransferError
	switch {
	case extractErr != nil && !errors.As(extractErr, &te):
		finalErr = extractErr
	case streamErr != nil:
		finalErr = streamErr
	default:
		finalErr = extractErr
	}

	if finalErr != nil && opts.KeepTarTo != "" {
		_ = os.Remove(opts.KeepTarTo)
	}
	return finalErr
}

// downloadStream drives the wire protocol, decrypting and/or
// decompressing the incoming bytes, and writes the reconstructed
// plaintext into dst. dst is always closed (with the terminal error, if
// any) before this function returns, so the consumer side unblocks.
func downloadStream(tok Token, opts DownloadOptions, dst *io.PipeWriter) error {
	addr := opts.ServerAddr
	if addr == "" {
		addr = DefaultServerAddr
	}
	conn, err := dial(addr)
	if err != nil {
		_ = dst.CloseWithError(err)
		return err
	}
	defer conn.Close()

	req := protocol.NewWriter()
	req.WriteI32(int32(protocol.CommandBeginDownload))
	req.WriteBuffer(tok.ID.Bytes())
	if err := protocol.WriteMessage(conn, req); err != nil {
		nerr := newErr(NetworkError, err)
		_ = dst.CloseWithError(nerr)
		return nerr
	}

	fr := protocol.NewFrameReader(conn)

	// rawPipe carries chunk payload bytes (IV already stripped) from the
	// network-reading loop below to whichever decrypt/decompress reader
	// chain is pulling from it on a separate goroutine.
	rawPR, rawPW := io.Pipe()
	chainDone := make(chan error, 1)

	var iv []byte
	var received int64
	first := true

	for {
		msg, err := fr.ReadBlocking(0)
		if err != nil {
			nerr := newErr(NetworkError, err)
			_ = rawPW.CloseWithError(nerr)
			if !first {
				<-chainDone
			}
			_ = dst.CloseWithError(nerr)
			return nerr
		}
		status, err := msg.ReadI8()
		if err != nil {
			nerr := newErr(CorruptedMessage, err)
			_ = rawPW.CloseWithError(nerr)
			if !first {
				<-chainDone
			}
			_ = dst.CloseWithError(nerr)
			return nerr
		}

		switch protocol.DownloadStatus(status) {
		case protocol.StatusChunk:
			payload, err := msg.ReadBuffer()
			if err != nil {
				nerr := newErr(CorruptedMessage, err)
				_ = rawPW.CloseWithError(nerr)
				_ = dst.CloseWithError(nerr)
				return nerr
			}

			if first {
				first = false
				if tok.Key != nil {
					if len(payload) < crypto.IVSize {
						nerr := newErr(CorruptedMessage, fmt.Errorf("first chunk shorter than IV"))
						_ = rawPW.CloseWithError(nerr)
						_ = dst.CloseWithError(nerr)
						return nerr
					}
					iv = append([]byte(nil), payload[:crypto.IVSize]...)
					payload = payload[crypto.IVSize:]
				}
				go func() {
					err := runDecodeChain(rawPR, dst, tok.Key, iv, opts.Decompress)
					// Unblocks the network loop's rawPW.Write if the
					// chain died before draining the pipe.
					_ = rawPR.CloseWithError(err)
					chainDone <- err
				}()
			}

			if len(payload) > 0 {
				if _, err := rawPW.Write(payload); err != nil {
					// The write fails with whatever error ended the
					// decode chain; report that, not a network fault.
					chainErr := <-chainDone
					if chainErr == nil {
						chainErr = err
					}
					nerr := newErr(CorruptedMessage, chainErr)
					_ = dst.CloseWithError(nerr)
					return nerr
				}
			}

			received += int64(len(payload))
			if opts.Progress != nil {
				opts.Progress(received)
			}

		case protocol.StatusEOF:
			if first {
				// Empty blob: no chunk ever arrived to start the chain.
				_ = dst.Close()
				return nil
			}
			_ = rawPW.Close()
			err := <-chainDone
			if err != nil {
				nerr := newErr(CorruptedMessage, err)
				_ = dst.CloseWithError(nerr)
				return nerr
			}
			_ = dst.Close()
			return nil

		case protocol.StatusError:
			desc, _ := msg.ReadUTF8Buffer()
			nerr := newErr(ServerError, fmt.Errorf("%s", desc))
			_ = rawPW.CloseWithError(nerr)
			if !first {
				<-chainDone
			}
			_ = dst.CloseWithError(nerr)
			return nerr

		default:
			nerr := newErr(CorruptedMessage, fmt.Errorf("unknown download status %d", status))
			_ = rawPW.CloseWithError(nerr)
			if !first {
				<-chainDone
			}
			_ = dst.CloseWithError(nerr)
			return nerr
		}
	}
}

// runDecodeChain builds the decrypt/decompress reader chain over raw
// (the pipe fed by downloadStream) and copies its output into dst. It
// runs on its own goroutine because io.Pipe is synchronous: the network
// loop must keep writing chunks while this chain is mid-read.
func runDecodeChain(raw io.Reader, dst io.Writer, key, iv []byte, decompress bool) error {
	var stream io.Reader = raw

	if key != nil {
		dr, err := crypto.NewDecryptReader(stream, key, iv)
		if err != nil {
			return err
		}
		stream = dr
	}

	if decompress {
		zr, err := newZstdDecoder(stream)
		if err != nil {
			return err
		}
		defer zr.Close()
		stream = zr
	}

	_, err := io.Copy(dst, stream)
	return err
}
