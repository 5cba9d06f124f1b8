package client

import (
	"net"
	"time"
)

// DefaultServerAddr is the well-known relay address used when the user
// doesn't override it with -s/--server.
const DefaultServerAddr = "ondralukes.cz:40788"

// DialTimeout bounds the initial TCP connect.
const DialTimeout = 10 * time.Second

func dial(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, newErr(NetworkError, err)
	}
	return conn, nil
}
