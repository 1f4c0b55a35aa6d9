package hop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/codewiresh/hopwire/internal/config"
	"github.com/codewiresh/hopwire/internal/protocol"
)

// exitGrace bounds how long Close waits for a hop process to exit after
// its stdin closed.
const exitGrace = 5 * time.Second

// Dialer starts hops. A command of the form ssh <target> where target names
// a configured hop, or is user@host, opens an SSH link; any other Unknown
// command is run locally and spoken to over its stdin and stdout.
type Dialer struct {
	Codec    protocol.Codec
	Compress bool
	// Shell runs hop commands given as one string with spaces and no args.
	Shell string
	// Hops are the named SSH targets from config.toml.
	Hops map[string]config.HopConfig
	// Stderr receives the diagnostics of exec'd hop processes.
	Stderr io.Writer
}

// Dial opens a link for cmd.
func (d *Dialer) Dial(ctx context.Context, cmd protocol.Command) (Link, error) {
	if cmd.Kind() != protocol.KindUnknown {
		return nil, fmt.Errorf("dial %s: %w", cmd, ErrNotDialable)
	}
	if hop, ok := d.sshTarget(cmd); ok {
		return d.dialSSH(ctx, hop)
	}
	return d.dialExec(cmd)
}

func (d *Dialer) codec() protocol.Codec {
	if d.Codec == nil {
		return protocol.JSONLines
	}
	return d.Codec
}

// sshTarget resolves "ssh <name>" and "ssh user@host[:port]" into a hop
// configuration. Other ssh invocations fall through to exec.
func (d *Dialer) sshTarget(cmd protocol.Command) (config.HopConfig, bool) {
	args := cmd.Args()
	if cmd.Name() != "ssh" || len(args) != 1 {
		return config.HopConfig{}, false
	}
	target := args[0]
	if hop, ok := d.Hops[target]; ok {
		return hop, true
	}
	user, host, ok := strings.Cut(target, "@")
	if !ok || user == "" || host == "" {
		return config.HopConfig{}, false
	}
	return config.HopConfig{
		Address:  host,
		User:     user,
		Command:  config.DefaultHopCommand,
		Compress: d.Compress,
	}, true
}

func (d *Dialer) dialExec(cmd protocol.Command) (Link, error) {
	c := exec.Command(cmd.Name(), cmd.Args()...)
	if d.Shell != "" && len(cmd.Args()) == 0 && strings.ContainsRune(cmd.Name(), ' ') {
		c = exec.Command(d.Shell, "-c", cmd.Name())
	}
	if d.Stderr != nil {
		c.Stderr = d.Stderr
	} else {
		c.Stderr = os.Stderr
	}
	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cmd, err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cmd, err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", cmd, err)
	}
	slog.Info("hop started", "command", cmd.String(), "pid", c.Process.Pid)

	waited := make(chan error, 1)
	wait := func() error {
		go func() { waited <- c.Wait() }()
		select {
		case err := <-waited:
			if err != nil {
				slog.Debug("hop exited", "command", cmd.String(), "err", err)
			}
		case <-time.After(exitGrace):
			c.Process.Kill()
			<-waited
		}
		return nil
	}

	link, err := NewStreamLink(stdout, stdin, d.codec(), d.Compress, wait)
	if err != nil {
		stdin.Close()
		c.Process.Kill()
		c.Wait()
		return nil, err
	}
	return link, nil
}
