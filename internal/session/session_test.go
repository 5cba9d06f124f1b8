package session

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/ondralukes/sfshr/internal/config"
	"github.com/ondralukes/sfshr/internal/protocol"
	"github.com/ondralukes/sfshr/internal/quota"
	"github.com/ondralukes/sfshr/internal/storage"
)

func testConfig(t *testing.T, maxSize, maxTotal uint64) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.UploadsDir = t.TempDir()
	cfg.MaxSize = maxSize
	cfg.MaxTotalSize = maxTotal
	return cfg
}

// newPair wires a Session to the server end of a loopback TCP
// connection, leaving the client end for the test to drive as the
// peer. TCP (rather than net.Pipe) gives both directions kernel
// buffering, so the session's reply writes inside Step don't block
// waiting for the test to read them.
func newPair(t *testing.T, cfg *config.Config, q *quota.Accountant) (*Session, net.Conn, *protocol.FrameReader) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverConn := <-accepted

	s := New(serverConn, cfg, q)
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})
	return s, clientConn, protocol.NewFrameReader(clientConn)
}

func sendBeginUpload(t *testing.T, conn net.Conn) {
	t.Helper()
	w := protocol.NewWriter()
	w.WriteI32(int32(protocol.CommandBeginUpload))
	if err := protocol.WriteMessage(conn, w); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func sendChunk(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	w := protocol.NewWriter()
	w.WriteU8(1)
	w.WriteBuffer(payload)
	if err := protocol.WriteMessage(conn, w); err != nil {
		t.Fatalf("WriteMessage chunk: %v", err)
	}
}

func sendFinish(t *testing.T, conn net.Conn) {
	t.Helper()
	w := protocol.NewWriter()
	w.WriteU8(0)
	if err := protocol.WriteMessage(conn, w); err != nil {
		t.Fatalf("WriteMessage finish: %v", err)
	}
}

func readReply(t *testing.T, fr *protocol.FrameReader) *protocol.Reader {
	t.Helper()
	msg, err := fr.ReadBlocking(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadBlocking: %v", err)
	}
	return msg
}

func TestBeginUploadGrantsAndRepliesWithID(t *testing.T) {
	cfg := testConfig(t, 100, 1000)
	q := quota.New(cfg.MaxTotalSize, 0)
	s, clientConn, fr := newPair(t, cfg, q)

	sendBeginUpload(t, clientConn)
	if s.Step(time.Second) {
		t.Fatal("Step returned remove=true on valid BeginUpload")
	}

	reply := readReply(t, fr)
	id, err := reply.ReadBuffer()
	if err != nil || len(id) != storage.IDSize {
		t.Fatalf("reply id: %v, len=%d", err, len(id))
	}
	maxSize, err := reply.ReadU64()
	if err != nil || maxSize != cfg.MaxSize {
		t.Fatalf("reply maxSize = %d, %v, want %d", maxSize, err, cfg.MaxSize)
	}
	if q.Reserved() != cfg.MaxSize {
		t.Fatalf("Reserved() = %d, want %d", q.Reserved(), cfg.MaxSize)
	}
}

func TestUploadExactlyMaxSizeSucceeds(t *testing.T) {
	cfg := testConfig(t, 10, 1000)
	q := quota.New(cfg.MaxTotalSize, 0)
	s, clientConn, fr := newPair(t, cfg, q)

	sendBeginUpload(t, clientConn)
	if s.Step(time.Second) {
		t.Fatal("unexpected removal")
	}
	readReply(t, fr) // consume BeginUpload reply

	sendChunk(t, clientConn, make([]byte, 10))
	if s.Step(time.Second) {
		t.Fatal("unexpected removal on exact-size chunk")
	}

	sendFinish(t, clientConn)
	if s.Step(time.Second) {
		t.Fatal("unexpected removal on upload completion")
	}
	reply := readReply(t, fr)
	status, err := reply.ReadI8()
	if err != nil || status != 1 {
		t.Fatalf("completion status = %d, %v, want 1", status, err)
	}
	// Only unused headroom is refunded on completion; the 10 committed
	// payload bytes stay reserved until the blob is reaped.
	if q.Reserved() != 10 {
		t.Fatalf("Reserved() after exact-size upload = %d, want 10", q.Reserved())
	}
}

func TestUploadOverMaxSizeFailsAndLeavesNoFile(t *testing.T) {
	cfg := testConfig(t, 10, 1000)
	q := quota.New(cfg.MaxTotalSize, 0)
	s, clientConn, fr := newPair(t, cfg, q)

	sendBeginUpload(t, clientConn)
	if s.Step(time.Second) {
		t.Fatal("unexpected removal")
	}
	readReply(t, fr)

	sendChunk(t, clientConn, make([]byte, 11))
	if s.Step(time.Second) {
		t.Fatal("oversized upload must not trigger removal (it's SizeLimitExceeded, not NetworkError)")
	}

	reply := readReply(t, fr)
	status, err := reply.ReadI8()
	if err != nil || protocol.DownloadStatus(status) != protocol.StatusError {
		t.Fatalf("status = %d, %v, want StatusError", status, err)
	}

	if q.Reserved() != 0 {
		t.Fatalf("Reserved() after aborted oversized upload = %d, want 0", q.Reserved())
	}
	entries, err := os.ReadDir(cfg.UploadsDir)
	if err != nil {
		t.Fatalf("reading uploads dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("uploads dir = %v, want empty after abort", entries)
	}
}

func TestBeginUploadWithNoHeadroomFailsAtBegin(t *testing.T) {
	cfg := testConfig(t, 100, 1000)
	// The global cap is already fully reserved; the failure must come
	// at begin-upload, before any chunk is accepted.
	q := quota.New(cfg.MaxTotalSize, cfg.MaxTotalSize)
	s, clientConn, fr := newPair(t, cfg, q)

	sendBeginUpload(t, clientConn)
	if s.Step(time.Second) {
		t.Fatal("quota exhaustion is SizeLimitExceeded, not NetworkError; session must stay")
	}

	reply := readReply(t, fr)
	status, err := reply.ReadI8()
	if err != nil || protocol.DownloadStatus(status) != protocol.StatusError {
		t.Fatalf("status = %d, %v, want StatusError", status, err)
	}
	if q.Reserved() != cfg.MaxTotalSize {
		t.Fatalf("Reserved() = %d, want untouched %d", q.Reserved(), cfg.MaxTotalSize)
	}
	entries, err := os.ReadDir(cfg.UploadsDir)
	if err != nil {
		t.Fatalf("reading uploads dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("uploads dir = %v, want empty after rejected begin", entries)
	}
}

func TestBeginDownloadMissingBlobErrorsButKeepsSession(t *testing.T) {
	cfg := testConfig(t, 100, 1000)
	q := quota.New(cfg.MaxTotalSize, 0)
	s, clientConn, fr := newPair(t, cfg, q)

	id, err := storage.GenerateID()
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	w := protocol.NewWriter()
	w.WriteI32(int32(protocol.CommandBeginDownload))
	w.WriteBuffer(id.Bytes())
	if err := protocol.WriteMessage(clientConn, w); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	if s.Step(time.Second) {
		t.Fatal("missing blob is IOError, not NetworkError; session must stay")
	}

	reply := readReply(t, fr)
	status, err := reply.ReadI8()
	if err != nil || protocol.DownloadStatus(status) != protocol.StatusError {
		t.Fatalf("status = %d, %v, want StatusError", status, err)
	}
}

func TestDisconnectDuringUploadAbortsAndRefunds(t *testing.T) {
	cfg := testConfig(t, 100, 1000)
	q := quota.New(cfg.MaxTotalSize, 0)
	s, clientConn, fr := newPair(t, cfg, q)

	sendBeginUpload(t, clientConn)
	if s.Step(time.Second) {
		t.Fatal("unexpected removal")
	}
	readReply(t, fr)
	sendChunk(t, clientConn, []byte("partial"))
	if s.Step(time.Second) {
		t.Fatal("unexpected removal on chunk")
	}

	_ = clientConn.Close()

	// The session notices the closed peer on a subsequent read and must
	// be removed, deleting the partial blob and refunding the
	// reservation.
	removed := false
	for i := 0; i < 20 && !removed; i++ {
		removed = s.Step(50 * time.Millisecond)
	}
	if !removed {
		t.Fatal("session was never removed after peer disconnect")
	}
	if q.Reserved() != 0 {
		t.Fatalf("Reserved() after disconnect abort = %d, want 0", q.Reserved())
	}
	entries, err := os.ReadDir(cfg.UploadsDir)
	if err != nil {
		t.Fatalf("reading uploads dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("uploads dir = %v, want empty after disconnect abort", entries)
	}
}
