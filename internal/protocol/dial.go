package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 8
	dialBaseBackoff = 50 * time.Millisecond
)

// Address schemes.
const (
	SchemeUnix  = "unix"
	SchemeTCP   = "tcp"
	SchemeVsock = "vsock"
)

// Addr is a parsed transport address of the form "scheme:target".
//
//	unix:/run/specrun/engine.sock
//	tcp:127.0.0.1:7400
//	vsock:3:7400   (dial: context id and port; listen: port only)
type Addr struct {
	Scheme string
	Target string
}

func (a Addr) String() string {
	return a.Scheme + ":" + a.Target
}

// ParseAddr parses s. A bare path is treated as a unix socket.
func ParseAddr(s string) (Addr, error) {
	scheme, target, ok := strings.Cut(s, ":")
	if !ok {
		if s == "" {
			return Addr{}, fmt.Errorf("empty address")
		}
		return Addr{Scheme: SchemeUnix, Target: s}, nil
	}
	switch scheme {
	case SchemeUnix, SchemeTCP, SchemeVsock:
	default:
		return Addr{}, fmt.Errorf("unsupported address scheme %q", scheme)
	}
	if target == "" {
		return Addr{}, fmt.Errorf("address %q has no target", s)
	}
	return Addr{Scheme: scheme, Target: target}, nil
}

// Dial connects to the engine at addr. Retries with exponential backoff on
// connection failure, since a freshly started engine may not be listening yet.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", a, ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, a)
		if err == nil {
			return NewConn(conn), nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial %s: %w", a, ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", a, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, a Addr) (net.Conn, error) {
	switch a.Scheme {
	case SchemeVsock:
		cidStr, portStr, ok := strings.Cut(a.Target, ":")
		if !ok {
			return nil, fmt.Errorf("vsock address %q: want cid:port", a.Target)
		}
		cid, err := parseUint32(cidStr)
		if err != nil {
			return nil, fmt.Errorf("vsock context id: %w", err)
		}
		port, err := parseUint32(portStr)
		if err != nil {
			return nil, fmt.Errorf("vsock port: %w", err)
		}
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		var d net.Dialer
		return d.DialContext(ctx, a.Scheme, a.Target)
	}
}

// Listen opens a listener for an engine at addr.
func Listen(addr string) (net.Listener, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	switch a.Scheme {
	case SchemeVsock:
		port, err := parseUint32(a.Target)
		if err != nil {
			return nil, fmt.Errorf("vsock port: %w", err)
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return net.Listen(a.Scheme, a.Target)
	}
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
