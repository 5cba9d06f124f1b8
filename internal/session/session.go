// Package session implements the per-connection state machine: Idle,
// Upload, Download, driven by inbound framed messages and, for
// downloads, by flush readiness.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/ondralukes/sfshr/internal/config"
	"github.com/ondralukes/sfshr/internal/logging"
	"github.com/ondralukes/sfshr/internal/metrics"
	"github.com/ondralukes/sfshr/internal/protocol"
	"github.com/ondralukes/sfshr/internal/quota"
	"github.com/ondralukes/sfshr/internal/storage"
	"go.uber.org/zap"
)

// ErrorKind classifies a server-side TransferError.
type ErrorKind int

const (
	InvalidMessage ErrorKind = iota
	IOError
	NetworkError
	SizeLimitExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidMessage:
		return "invalid message"
	case IOError:
		return "I/O error"
	case NetworkError:
		return "network error"
	case SizeLimitExceeded:
		return "size limit exceeded"
	default:
		return "unknown error"
	}
}

// TransferError pairs an ErrorKind with its underlying cause.
type TransferError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *TransferError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, err error) *TransferError {
	return &TransferError{Kind: kind, Err: err}
}

type kind int

const (
	stateIdle kind = iota
	stateUpload
	stateDownload
)

// Session is one TCP connection's worth of protocol state. It is not
// safe for concurrent use: each connection is owned by exactly one
// worker goroutine for its whole lifetime.
type Session struct {
	conn   net.Conn
	reader *protocol.FrameReader
	cfg    *config.Config
	quota  *quota.Accountant

	state kind

	uploadFile *os.File
	uploadID   storage.ID
	reserved   uint64

	downloadFile *os.File
	downloadID   storage.ID
}

// New creates an Idle session wrapping conn.
func New(conn net.Conn, cfg *config.Config, q *quota.Accountant) *Session {
	return &Session{
		conn:   conn,
		reader: protocol.NewFrameReader(conn),
		cfg:    cfg,
		quota:  q,
		state:  stateIdle,
	}
}

// IsDownload reports whether the session is currently streaming a
// download, i.e. whether the worker should request write-readiness for
// it in addition to read-readiness.
func (s *Session) IsDownload() bool {
	return s.state == stateDownload
}

// Step runs at most one inbound message (if one is ready within
// timeout) followed by at most one outbound download chunk (if the
// session is in Download state). It returns remove=true when the
// worker must drop the session (a NetworkError occurred); any other
// TransferError is handled internally (best-effort error reply, abort
// semantics) and leaves the session live in Idle state.
func (s *Session) Step(pollTimeout time.Duration) (remove bool) {
	// A downloading session is driven by write readiness, not inbound
	// traffic; don't sit out the whole poll window waiting for messages
	// the peer won't send while there are chunks left to push.
	if s.state == stateDownload {
		pollTimeout = 0
	}

	msg, err := s.reader.Poll(pollTimeout)
	switch {
	case err == nil:
		if terr := s.processMessage(msg); terr != nil {
			return s.handleError(terr)
		}
	case errors.Is(err, protocol.ErrNotReady):
		// Nothing to read this iteration; fall through to the flush step.
	default:
		return s.handleError(newErr(NetworkError, err))
	}

	if s.state == stateDownload {
		if terr := s.flushDownload(); terr != nil {
			return s.handleError(terr)
		}
	}

	return false
}

// handleError runs the failure path: best-effort error notification,
// then abort, then removal only for NetworkError.
func (s *Session) handleError(terr *TransferError) (remove bool) {
	s.sendErrorBestEffort(terr)
	s.abort()
	if terr.Kind == NetworkError {
		return true
	}
	logging.Warn("session error", zap.String("kind", terr.Kind.String()), zap.Error(terr.Err))
	return false
}

func (s *Session) sendErrorBestEffort(terr *TransferError) {
	w := protocol.NewWriter()
	w.WriteI8(int8(protocol.StatusError))
	w.WriteBuffer([]byte(terr.Error()))
	_ = protocol.WriteMessageTimeout(s.conn, w, protocol.WriteTimeout)
}

func (s *Session) processMessage(msg *protocol.Reader) *TransferError {
	switch s.state {
	case stateIdle:
		return s.processIdle(msg)
	case stateUpload:
		return s.processUpload(msg)
	case stateDownload:
		return newErr(InvalidMessage, errors.New("unexpected message while downloading"))
	default:
		return newErr(InvalidMessage, errors.New("unknown session state"))
	}
}

func (s *Session) processIdle(msg *protocol.Reader) *TransferError {
	cmdRaw, err := msg.ReadI32()
	if err != nil {
		return newErr(InvalidMessage, err)
	}

	switch protocol.Command(cmdRaw) {
	case protocol.CommandBeginUpload:
		return s.beginUpload()
	case protocol.CommandBeginDownload:
		idBytes, err := msg.ReadBuffer()
		if err != nil {
			return newErr(InvalidMessage, err)
		}
		id, err := storage.ParseID(idBytes)
		if err != nil {
			return newErr(InvalidMessage, err)
		}
		return s.beginDownload(id)
	default:
		return newErr(InvalidMessage, fmt.Errorf("unknown command %d", cmdRaw))
	}
}

func (s *Session) beginUpload() *TransferError {
	f, id, err := storage.Create(s.cfg.UploadsDir, s.cfg.ExpirationSeconds)
	if err != nil {
		return newErr(IOError, err)
	}

	granted := s.quota.Reserve(s.cfg.MaxSize)
	if granted == 0 {
		_ = f.Close()
		_ = storage.Delete(s.cfg.UploadsDir, id)
		return newErr(SizeLimitExceeded, errors.New("no headroom for a new upload"))
	}

	s.state = stateUpload
	s.uploadFile = f
	s.uploadID = id
	s.reserved = granted

	reply := protocol.NewWriter()
	reply.WriteBuffer(id.Bytes())
	reply.WriteU64(s.cfg.MaxSize)
	if err := protocol.WriteMessageTimeout(s.conn, reply, protocol.WriteTimeout); err != nil {
		return newErr(NetworkError, err)
	}

	logging.Info("upload begun", zap.String("id", id.Hex()), zap.Uint64("granted", granted))
	return nil
}

func (s *Session) beginDownload(id storage.ID) *TransferError {
	f, err := storage.OpenForRead(s.cfg.UploadsDir, id)
	if err != nil {
		return newErr(IOError, err)
	}
	s.state = stateDownload
	s.downloadFile = f
	s.downloadID = id
	logging.Info("download begun", zap.String("id", id.Hex()))
	return nil
}

func (s *Session) processUpload(msg *protocol.Reader) *TransferError {
	cont, err := msg.ReadU8()
	if err != nil {
		return newErr(InvalidMessage, err)
	}

	if cont == 0 {
		return s.completeUpload()
	}

	payload, err := msg.ReadBuffer()
	if err != nil {
		return newErr(InvalidMessage, err)
	}
	if err := storage.Append(s.uploadFile, payload); err != nil {
		return newErr(IOError, err)
	}

	pos, err := storage.Position(s.uploadFile)
	if err != nil {
		return newErr(IOError, err)
	}
	committed := uint64(pos) - storage.HeaderSize
	if committed > s.reserved {
		return newErr(SizeLimitExceeded, fmt.Errorf("upload exceeded reserved %d bytes", s.reserved))
	}
	return nil
}

func (s *Session) completeUpload() *TransferError {
	pos, err := storage.Position(s.uploadFile)
	if err != nil {
		return newErr(IOError, err)
	}
	committed := uint64(pos) - storage.HeaderSize

	reply := protocol.NewWriter()
	reply.WriteI8(1)
	if err := protocol.WriteMessageTimeout(s.conn, reply, protocol.WriteTimeout); err != nil {
		return newErr(NetworkError, err)
	}

	// Refund the unused headroom now that the final size is known.
	s.quota.Refund(s.reserved - committed)
	_ = s.uploadFile.Close()

	logging.Info("upload completed", zap.String("id", s.uploadID.Hex()), zap.Uint64("bytes", committed))
	metrics.UploadsCompleted.Inc()

	s.uploadFile = nil
	s.reserved = 0
	s.state = stateIdle
	return nil
}

// flushDownload pushes at most one chunk of the open blob to the peer,
// driven by write readiness rather than inbound traffic.
func (s *Session) flushDownload() *TransferError {
	buf := make([]byte, protocol.DownloadChunkSize)
	n, err := s.downloadFile.Read(buf)
	if n > 0 {
		w := protocol.NewWriter()
		w.WriteI8(int8(protocol.StatusChunk))
		w.WriteBuffer(buf[:n])
		if werr := protocol.WriteMessageTimeout(s.conn, w, protocol.WriteTimeout); werr != nil {
			return newErr(NetworkError, werr)
		}
	}

	if err == io.EOF || (n == 0 && err == nil) {
		w := protocol.NewWriter()
		w.WriteI8(int8(protocol.StatusEOF))
		if werr := protocol.WriteMessageTimeout(s.conn, w, protocol.WriteTimeout); werr != nil {
			return newErr(NetworkError, werr)
		}
		logging.Info("download completed", zap.String("id", s.downloadID.Hex()))
		metrics.DownloadsCompleted.Inc()
		_ = s.downloadFile.Close()
		s.downloadFile = nil
		s.state = stateIdle
		return nil
	}
	if err != nil {
		return newErr(IOError, err)
	}
	return nil
}

// abort tears down whatever transfer is in flight: delete the partial
// upload blob (tolerating failure) and refund its outstanding
// reservation; downloads are a storage no-op. Returns the session to
// Idle either way.
func (s *Session) abort() {
	switch s.state {
	case stateUpload:
		if s.uploadFile != nil {
			_ = s.uploadFile.Close()
		}
		if err := storage.Delete(s.cfg.UploadsDir, s.uploadID); err != nil && !os.IsNotExist(err) {
			logging.Warn("failed to remove aborted upload", zap.String("id", s.uploadID.Hex()), zap.Error(err))
		}
		s.quota.Refund(s.reserved)
		metrics.UploadsAborted.Inc()
		s.uploadFile = nil
		s.reserved = 0
	case stateDownload:
		if s.downloadFile != nil {
			_ = s.downloadFile.Close()
		}
		s.downloadFile = nil
	}
	s.state = stateIdle
}

// Close runs abort semantics, used on session destruction (disconnect,
// pool shutdown) regardless of what triggered it.
func (s *Session) Close() {
	s.abort()
}
