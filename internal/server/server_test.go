package server

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ondralukes/sfshr/internal/client"
	"github.com/ondralukes/sfshr/internal/config"
	"github.com/ondralukes/sfshr/internal/protocol"
	"github.com/ondralukes/sfshr/internal/storage"
)

func startTestServer(t *testing.T, maxSize, maxTotal uint64) (*Server, net.Addr) {
	t.Helper()
	cfg := config.Default()
	cfg.UploadsDir = t.TempDir()
	cfg.ThreadCount = 2
	cfg.MaxSize = maxSize
	cfg.MaxTotalSize = maxTotal

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start("127.0.0.1:0", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, s.Addr()
}

func TestEndToEndUploadThenDownload(t *testing.T) {
	_, addr := startTestServer(t, 1<<20, 10<<20)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	fr := protocol.NewFrameReader(conn)

	begin := protocol.NewWriter()
	begin.WriteI32(int32(protocol.CommandBeginUpload))
	if err := protocol.WriteMessage(conn, begin); err != nil {
		t.Fatalf("WriteMessage BeginUpload: %v", err)
	}

	reply, err := fr.ReadBlocking(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadBlocking BeginUpload reply: %v", err)
	}
	id, err := reply.ReadBuffer()
	if err != nil || len(id) != 32 {
		t.Fatalf("upload id: %v, len=%d", err, len(id))
	}

	payload := []byte("end to end payload")
	chunk := protocol.NewWriter()
	chunk.WriteU8(1)
	chunk.WriteBuffer(payload)
	if err := protocol.WriteMessage(conn, chunk); err != nil {
		t.Fatalf("WriteMessage chunk: %v", err)
	}

	fin := protocol.NewWriter()
	fin.WriteU8(0)
	if err := protocol.WriteMessage(conn, fin); err != nil {
		t.Fatalf("WriteMessage fin: %v", err)
	}

	confirm, err := fr.ReadBlocking(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadBlocking confirm: %v", err)
	}
	status, err := confirm.ReadI8()
	if err != nil || status != 1 {
		t.Fatalf("confirm status = %d, %v, want 1", status, err)
	}

	dlConn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial for download: %v", err)
	}
	defer dlConn.Close()
	dlReader := protocol.NewFrameReader(dlConn)

	req := protocol.NewWriter()
	req.WriteI32(int32(protocol.CommandBeginDownload))
	req.WriteBuffer(id)
	if err := protocol.WriteMessage(dlConn, req); err != nil {
		t.Fatalf("WriteMessage BeginDownload: %v", err)
	}

	var received []byte
	for {
		msg, err := dlReader.ReadBlocking(2 * time.Second)
		if err != nil {
			t.Fatalf("ReadBlocking download chunk: %v", err)
		}
		status, err := msg.ReadI8()
		if err != nil {
			t.Fatalf("read chunk status: %v", err)
		}
		switch protocol.DownloadStatus(status) {
		case protocol.StatusChunk:
			b, err := msg.ReadBuffer()
			if err != nil {
				t.Fatalf("read chunk buffer: %v", err)
			}
			received = append(received, b...)
		case protocol.StatusEOF:
			goto done
		case protocol.StatusError:
			msgText, _ := msg.ReadBuffer()
			t.Fatalf("server returned error: %s", msgText)
		}
	}
done:
	if string(received) != string(payload) {
		t.Fatalf("downloaded %q, want %q", received, payload)
	}
}

func TestUploadOverSizeLimitGetsErrorAndNoBlob(t *testing.T) {
	cfg := config.Default()
	cfg.UploadsDir = t.TempDir()
	cfg.ThreadCount = 1
	cfg.MaxSize = 4
	cfg.MaxTotalSize = 1 << 20

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start("127.0.0.1:0", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	fr := protocol.NewFrameReader(conn)

	begin := protocol.NewWriter()
	begin.WriteI32(int32(protocol.CommandBeginUpload))
	_ = protocol.WriteMessage(conn, begin)
	if _, err := fr.ReadBlocking(2 * time.Second); err != nil {
		t.Fatalf("ReadBlocking BeginUpload reply: %v", err)
	}

	chunk := protocol.NewWriter()
	chunk.WriteU8(1)
	chunk.WriteBuffer([]byte("toolong"))
	_ = protocol.WriteMessage(conn, chunk)

	reply, err := fr.ReadBlocking(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadBlocking error reply: %v", err)
	}
	status, err := reply.ReadI8()
	if err != nil || protocol.DownloadStatus(status) != protocol.StatusError {
		t.Fatalf("status = %d, %v, want StatusError", status, err)
	}

	// The abort runs just after the error reply goes out; give it a
	// moment before asserting the partial blob is gone.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, rerr := os.ReadDir(cfg.UploadsDir)
		if rerr != nil {
			t.Fatalf("ReadDir uploads: %v", rerr)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("uploads dir has %d entries after rejected upload, want 0", len(entries))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentUploadAndDownload(t *testing.T) {
	cfg := config.Default()
	cfg.UploadsDir = t.TempDir()
	cfg.ThreadCount = 2
	cfg.MaxSize = 10 << 20
	cfg.MaxTotalSize = 64 << 20

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start("127.0.0.1:0", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown()
	addr := s.Addr().String()

	srcDir := t.TempDir()
	seedData := bytes.Repeat([]byte{0xA5}, 128*1024)
	seedPath := filepath.Join(srcDir, "seed.bin")
	if err := os.WriteFile(seedPath, seedData, 0o600); err != nil {
		t.Fatalf("WriteFile seed: %v", err)
	}
	uploadData := bytes.Repeat([]byte{0x0C}, 256*1024)
	uploadPath := filepath.Join(srcDir, "payload.bin")
	if err := os.WriteFile(uploadPath, uploadData, 0o600); err != nil {
		t.Fatalf("WriteFile payload: %v", err)
	}

	// Seed a blob first so the download runs against content unrelated
	// to the concurrent encrypted upload.
	seedRes, err := client.UploadPath(seedPath, client.UploadOptions{ServerAddr: addr, Encrypt: false})
	if err != nil {
		t.Fatalf("UploadPath seed: %v", err)
	}

	uploadDest := t.TempDir()
	downloadDest := t.TempDir()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := client.UploadPath(uploadPath, client.UploadOptions{ServerAddr: addr, Encrypt: true})
		if err != nil {
			errs <- fmt.Errorf("encrypted upload: %w", err)
			return
		}
		tok := client.Token{ID: res.ID, Key: res.Key}
		if err := client.DownloadToken(tok, uploadDest, client.DownloadOptions{ServerAddr: addr}); err != nil {
			errs <- fmt.Errorf("download of encrypted upload: %w", err)
			return
		}
		got, err := os.ReadFile(filepath.Join(uploadDest, "payload.bin"))
		if err != nil || !bytes.Equal(got, uploadData) {
			errs <- fmt.Errorf("encrypted round trip mismatch: %d bytes, %v", len(got), err)
		}
	}()
	go func() {
		defer wg.Done()
		tok := client.Token{ID: seedRes.ID}
		if err := client.DownloadToken(tok, downloadDest, client.DownloadOptions{ServerAddr: addr}); err != nil {
			errs <- fmt.Errorf("unrelated download: %w", err)
			return
		}
		got, err := os.ReadFile(filepath.Join(downloadDest, "seed.bin"))
		if err != nil || !bytes.Equal(got, seedData) {
			errs <- fmt.Errorf("seed round trip mismatch: %d bytes, %v", len(got), err)
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// With both transfers complete, every reservation has either been
	// refunded or settled into committed blob bytes; the accountant must
	// agree with the payload bytes actually on disk.
	entries, err := os.ReadDir(cfg.UploadsDir)
	if err != nil {
		t.Fatalf("ReadDir uploads: %v", err)
	}
	var onDisk uint64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Size() > int64(storage.HeaderSize) {
			onDisk += uint64(info.Size()) - storage.HeaderSize
		}
	}
	if got := s.quota.Reserved(); got != onDisk {
		t.Fatalf("Reserved() = %d after concurrent transfers, want %d (committed bytes on disk)", got, onDisk)
	}
}
