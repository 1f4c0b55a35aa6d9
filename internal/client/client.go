// Package client is the controller side of hopwire: it connects to a node,
// drives a protocol.Endpoint over that connection and runs plans.
package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/codewiresh/hopwire/internal/connection"
	"github.com/codewiresh/hopwire/internal/protocol"
)

// Target describes where to connect: either a local Unix socket or a remote
// WebSocket endpoint.
type Target struct {
	Local    string // socket path (empty if remote)
	URL      string // ws:// or wss:// URL for remote
	Token    string // auth token for remote
	Codec    protocol.Codec
	Compress bool // zstd on the Unix socket; must match the node
}

// IsLocal returns true when the target is a local Unix socket connection.
func (t *Target) IsLocal() bool { return t.Local != "" }

func (t *Target) codec() protocol.Codec {
	if t.Codec == nil {
		return protocol.JSONLines
	}
	return t.Codec
}

// Connect establishes a connection to the target. The caller closes both
// the transport and the reader.
func (t *Target) Connect(ctx context.Context) (connection.Transport, connection.ResponseReader, error) {
	if t.IsLocal() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", t.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to local socket: %w", err)
		}
		r, w, err := connection.Wrap(conn, conn, t.Compress)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return connection.NewStreamTransport(w, conn), connection.NewStreamReader(r, t.codec(), conn), nil
	}

	wsURL, err := t.wsURL()
	if err != nil {
		return nil, nil, err
	}

	// Send token via Authorization header only (not in URL query to avoid log exposure).
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.Token}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to remote node: %w", err)
	}
	// Remove the default read limit so large messages are not rejected.
	conn.SetReadLimit(-1)
	// The connection outlives the dial context.
	connCtx := context.WithoutCancel(ctx)
	return connection.NewWSTransport(connCtx, conn), connection.NewWSReader(connCtx, conn, t.codec()), nil
}

// wsURL normalises t.URL to a ws(s)://host/ws URL carrying the codec name.
func (t *Target) wsURL() (string, error) {
	raw := t.URL
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	case !strings.Contains(raw, "://"):
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing node url: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	q := u.Query()
	q.Set("codec", t.codec().Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
