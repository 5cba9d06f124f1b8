package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ondralukes/sfshr/internal/config"
	"github.com/ondralukes/sfshr/internal/logging"
	"github.com/ondralukes/sfshr/internal/metrics"
	"github.com/ondralukes/sfshr/internal/protocol"
	"github.com/ondralukes/sfshr/internal/quota"
	"github.com/ondralukes/sfshr/internal/session"
	"go.uber.org/zap"
)

// WorkerEnv is the set of shared dependencies every worker needs to
// build sessions for the connections it is handed.
type WorkerEnv struct {
	Config *config.Config
	Quota  *quota.Accountant
}

// runWorker is one worker's dispatch loop: every connection handed to
// it gets a dedicated goroutine running that session's own event loop,
// so each session suspends independently in its own readiness wait
// instead of sharing one sequential sweep across every session the
// worker owns. A worker holding N idle sessions still bounds any one
// session's wait near protocol.PollInterval, not N times that. On
// terminate, every outstanding session goroutine is cancelled and
// runWorker waits for them to unwind (which runs each session's abort
// path) before returning.
func runWorker(id int, w *poolWorker, env *WorkerEnv) {
	defer close(w.done)

	logging.Info("worker starting", zap.Int("worker", id))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	for msg := range w.inbox {
		if msg.terminate {
			cancel()
			wg.Wait()
			logging.Info("worker terminating", zap.Int("worker", id))
			return
		}

		conn := msg.conn
		if env.Config.RateLimitMbps > 0 {
			conn = newRateLimitedConn(conn, env.Config.RateLimitMbps)
		}
		sess := session.New(conn, env.Config, env.Quota)

		atomic.AddInt64(&w.sessionCount, 1)
		metrics.SessionsOpened.Inc()

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			runSession(ctx, w, conn, sess)
		}(conn)
	}
}

// runSession drives one session to completion: it keeps stepping the
// session's state machine, each Step suspending for at most
// protocol.PollInterval, until either the session asks to be removed
// (a NetworkError) or the worker is shutting down.
func runSession(ctx context.Context, w *poolWorker, conn net.Conn, sess *session.Session) {
	defer func() {
		atomic.AddInt64(&w.sessionCount, -1)
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			sess.Close()
			return
		default:
		}

		if sess.Step(protocol.PollInterval) {
			metrics.SessionsClosed.Inc()
			return
		}
	}
}
