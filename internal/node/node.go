// Package node serves the hopwire protocol: over stdin and stdout when it
// is a nested hop, or as a daemon on a Unix socket and an optional
// WebSocket listener.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/hopwire/internal/auth"
	"github.com/codewiresh/hopwire/internal/config"
	"github.com/codewiresh/hopwire/internal/connection"
	"github.com/codewiresh/hopwire/internal/executor"
	"github.com/codewiresh/hopwire/internal/hop"
	"github.com/codewiresh/hopwire/internal/protocol"
	"github.com/codewiresh/hopwire/internal/store"
)

// historyRetention is how long finished processes stay in history.
const historyRetention = 30 * 24 * time.Hour

// Node is the hopwire daemon. Every accepted connection gets its own
// executor and router; they share the configuration and history store.
type Node struct {
	History    store.Store
	socketPath string
	pidPath    string
	config     *config.Config
	codec      protocol.Codec
	dataDir    string
}

// SocketPath returns the Unix socket a node rooted at dataDir listens on.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, "hopwire.sock")
}

// NewNode creates a Node rooted at dataDir. It loads the configuration,
// opens the history store, and ensures an auth token exists on disk.
func NewNode(dataDir string) (*Node, error) {
	cfg, err := config.LoadConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	codec, err := protocol.CodecByName(cfg.Node.Codec)
	if err != nil {
		return nil, err
	}

	history, err := store.NewSQLiteStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}

	token, err := auth.LoadOrGenerateToken(dataDir)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("loading auth token: %w", err)
	}
	slog.Info("auth token ready", "token", token)

	return &Node{
		History:    history,
		socketPath: SocketPath(dataDir),
		pidPath:    filepath.Join(dataDir, "hopwire.pid"),
		config:     cfg,
		codec:      codec,
		dataDir:    dataDir,
	}, nil
}

// Config returns the loaded configuration.
func (n *Node) Config() *config.Config { return n.config }

func (n *Node) serveOptions(codec protocol.Codec) ServeOptions {
	return ServeOptions{
		Codec: codec,
		Executor: executor.Options{
			Node:    n.config.Node.Name,
			PTY:     n.config.Node.PTY,
			History: n.History,
		},
		Dialer: &hop.Dialer{
			Codec:    codec,
			Compress: n.config.Node.Compress,
			Shell:    n.config.Node.Shell,
			Hops:     n.config.Hops,
		},
	}
}

// ServeStdio serves a single controller over r and w. This is the far end
// of a hop: the parent node spawns `hw serve --stdio` and talks to it.
// Diagnostics from dialed hops go to stderr so the protocol stream stays
// clean.
func (n *Node) ServeStdio(ctx context.Context, r io.Reader, w io.WriteCloser) error {
	rr, ww, err := connection.Wrap(r, w, n.config.Node.Compress)
	if err != nil {
		return err
	}
	var rc io.Closer
	if c, ok := r.(io.Closer); ok {
		rc = c
	}
	reader := connection.NewStreamReader(rr, n.codec, rc)
	trans := connection.NewStreamTransport(ww, w)
	defer trans.Close()
	return Serve(ctx, reader, trans, n.serveOptions(n.codec))
}

// Run starts the node daemon. It writes a PID file, listens on a Unix socket,
// and optionally starts a WebSocket server. It blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	pid := os.Getpid()
	if err := os.WriteFile(n.pidPath, []byte(fmt.Sprintf("%d", pid)), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}

	// Remove stale socket if it exists.
	_ = os.Remove(n.socketPath)

	ln, err := net.Listen("unix", n.socketPath)
	if err != nil {
		return fmt.Errorf("listening on unix socket: %w", err)
	}
	slog.Info("listening on unix socket", "path", n.socketPath, "codec", n.codec.Name())

	defer n.Cleanup()

	if n.config.Node.Listen != nil {
		addr := *n.config.Node.Listen
		go func() {
			if wsErr := n.runWSServer(ctx, addr); wsErr != nil {
				slog.Error("websocket server error", "err", wsErr)
			}
		}()
	}

	go n.pruneHistory(ctx)

	// Close the listener when ctx is cancelled so Accept unblocks.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			slog.Error("accept error", "err", acceptErr)
			continue
		}
		go n.serveConn(ctx, conn)
	}
}

func (n *Node) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r, w, err := connection.Wrap(conn, conn, n.config.Node.Compress)
	if err != nil {
		slog.Error("wrapping connection", "err", err)
		return
	}
	reader := connection.NewStreamReader(r, n.codec, conn)
	trans := connection.NewStreamTransport(w, conn)
	if err := Serve(ctx, reader, trans, n.serveOptions(n.codec)); err != nil {
		slog.Warn("connection ended", "err", err)
	}
}

// Cleanup removes the Unix socket and PID files.
func (n *Node) Cleanup() {
	_ = os.Remove(n.socketPath)
	_ = os.Remove(n.pidPath)
}

// Close releases the history store.
func (n *Node) Close() error {
	return n.History.Close()
}

// pruneHistory drops old finished processes once at startup and then every
// hour until ctx is cancelled.
func (n *Node) pruneHistory(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		removed, err := n.History.Prune(ctx, time.Now().Add(-historyRetention))
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("pruning history", "err", err)
		} else if removed > 0 {
			slog.Info("pruned history", "removed", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// wsHandler upgrades /ws connections to WebSocket after validating the auth
// token, given as a Bearer header or a token query parameter. The codec
// query parameter overrides the node's default codec.
func (n *Node) wsHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !auth.ValidateToken(n.dataDir, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		codec := n.codec
		if name := r.URL.Query().Get("codec"); name != "" {
			c, err := protocol.CodecByName(name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			codec = c
		}

		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Error("websocket accept error", "err", err)
			return
		}
		wsConn.SetReadLimit(-1)

		wsCtx := r.Context()
		reader := connection.NewWSReader(wsCtx, wsConn, codec)
		trans := connection.NewWSTransport(wsCtx, wsConn)
		defer trans.Close()
		if err := Serve(ctx, reader, trans, n.serveOptions(codec)); err != nil {
			slog.Warn("websocket connection ended", "err", err)
		}
	})
	return mux
}

// runWSServer serves wsHandler on addr until ctx is cancelled.
func (n *Node) runWSServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: n.wsHandler(ctx),
	}

	slog.Info("websocket server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}
