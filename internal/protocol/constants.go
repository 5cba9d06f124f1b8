package protocol

import "time"

// PollInterval is how long each session's own goroutine waits for
// readiness on its connection before looping back to check for
// shutdown. Every session in a worker waits independently, so this
// bounds one connection's readiness latency regardless of how many
// other sessions the worker owns.
const PollInterval = 50 * time.Millisecond

// ReaperInterval is the background expiry sweep period.
const ReaperInterval = 5 * time.Second

// UploadConfirmTimeout bounds the client's wait for the end-of-upload
// status reply.
const UploadConfirmTimeout = 5 * time.Second

// DownloadChunkSize is the maximum number of payload bytes read from a
// blob per download-stream message.
const DownloadChunkSize = 1 << 20 // 1 MiB

// WriteTimeout bounds a single server-side frame write so a stalled
// peer can't wedge a worker thread indefinitely.
const WriteTimeout = 5 * time.Second
