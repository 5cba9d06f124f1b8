package server

import (
	"context"
	"net"
	"time"

	"github.com/ondralukes/sfshr/internal/protocol"
	"golang.org/x/time/rate"
)

// rateLimitedConn wraps a net.Conn so outbound writes (download chunks)
// are throttled through a token bucket. Reads pass through untouched:
// the cap only matters for the server-to-client direction that
// actually streams bulk payload.
type rateLimitedConn struct {
	net.Conn
	limiter *rate.Limiter
}

// newRateLimitedConn wraps conn with a token bucket sized for mbps
// megabits per second, with a 100ms burst that is never smaller than
// one DownloadChunkSize payload plus 4KiB of framing. A non-positive
// mbps is a programmer error; callers only wrap when RateLimitMbps > 0.
func newRateLimitedConn(conn net.Conn, mbps float64) net.Conn {
	bytesPerSecond := mbps * 1_000_000 / 8
	burst := int(bytesPerSecond / 10)
	if burst < 4096 {
		burst = 4096
	}
	// A single download-stream write carries up to one DownloadChunkSize
	// payload plus framing; the burst must cover it or WaitN rejects the
	// write outright instead of just throttling it.
	if minBurst := protocol.DownloadChunkSize + 4096; burst < minBurst {
		burst = minBurst
	}
	return &rateLimitedConn{
		Conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (c *rateLimitedConn) Write(p []byte) (int, error) {
	if err := c.limiter.WaitN(context.Background(), len(p)); err != nil {
		return 0, err
	}
	// Time spent waiting on the bucket must not count against the
	// caller's write deadline; re-arm it now that capacity is available.
	_ = c.Conn.SetWriteDeadline(time.Now().Add(protocol.WriteTimeout))
	return c.Conn.Write(p)
}
