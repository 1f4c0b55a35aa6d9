package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/hopwire/internal/connection"
	"github.com/codewiresh/hopwire/internal/executor"
	"github.com/codewiresh/hopwire/internal/hop"
	"github.com/codewiresh/hopwire/internal/protocol"
	"github.com/codewiresh/hopwire/internal/router"
)

// ServeOptions configures one controller connection.
type ServeOptions struct {
	Codec    protocol.Codec
	Executor executor.Options
	// Dialer opens nested remotes. Nil uses a hop.Dialer with no saved hops.
	Dialer router.Dialer
}

// Serve runs one controller connection. It reads requests until the stream
// ends or ctx is cancelled, routing each through a fresh router and
// executor. Everything the connection started is torn down before Serve
// returns.
func Serve(ctx context.Context, reader connection.RequestReader, trans protocol.Transport, opts ServeOptions) error {
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSONLines
	}
	execOpts := opts.Executor
	if execOpts.Session == "" {
		execOpts.Session = uuid.NewString()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &hop.Dialer{Codec: codec}
	}

	backend := protocol.NewBackend(trans, protocol.WithCodec(codec))
	exec := executor.New(backend, execOpts)
	rt := router.New(exec, dialer, backend)

	slog.Info("controller connected", "session", execOpts.Session, "codec", codec.Name())

	// Closing the reader unblocks ReadRequest when ctx ends.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			reader.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
		if err := rt.Close(); err != nil {
			slog.Debug("closing hops", "session", execOpts.Session, "err", err)
		}
		exec.Close()
		slog.Info("controller disconnected", "session", execOpts.Session)
	}()

	for {
		req, err := reader.ReadRequest()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}
		if req == nil {
			return nil
		}
		if err := rt.Handle(*req); err != nil {
			slog.Warn("request failed", "kind", req.Kind(), "remote", req.RemoteID, "err", err)
		}
	}
}
