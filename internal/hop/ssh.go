package hop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/codewiresh/hopwire/internal/config"
)

const sshDialTimeout = 10 * time.Second

// dialSSH connects to hop.Address and runs hop.Command in an exec session.
// The session's stdin and stdout carry the protocol.
func (d *Dialer) dialSSH(ctx context.Context, hop config.HopConfig) (Link, error) {
	cfg, err := clientConfig(hop)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", hop.Address, err)
	}

	addr := hop.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	var nd net.Dialer
	dctx, cancel := context.WithTimeout(ctx, sshDialTimeout)
	defer cancel()
	tc, err := nd.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: dialing: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tc, addr, cfg)
	if err != nil {
		tc.Close()
		return nil, fmt.Errorf("ssh %s: handshake: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh %s: opening session: %w", addr, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh %s: %w", addr, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh %s: %w", addr, err)
	}
	if d.Stderr != nil {
		sess.Stderr = d.Stderr
	}

	command := hop.Command
	if command == "" {
		command = config.DefaultHopCommand
	}
	if err := sess.Start(command); err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh %s: starting %q: %w", addr, command, err)
	}
	slog.Info("ssh hop started", "addr", addr, "user", hop.User, "command", command)

	teardown := func() error {
		waited := make(chan error, 1)
		go func() { waited <- sess.Wait() }()
		select {
		case <-waited:
		case <-time.After(exitGrace):
		}
		sess.Close()
		return client.Close()
	}

	link, err := NewStreamLink(stdout, stdin, d.codec(), hop.Compress, teardown)
	if err != nil {
		client.Close()
		return nil, err
	}
	return link, nil
}

func clientConfig(hop config.HopConfig) (*ssh.ClientConfig, error) {
	signer, err := loadIdentity(hop.Identity)
	if err != nil {
		return nil, err
	}

	hostKey, err := hostKeyCallback(hop)
	if err != nil {
		return nil, err
	}

	user := hop.User
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         sshDialTimeout,
	}, nil
}

// hostKeyCallback verifies host keys against hop.KnownHosts, or
// ~/.ssh/known_hosts when none is configured. Only an explicit
// insecure_ignore_host_key turns verification off.
func hostKeyCallback(hop config.HopConfig) (ssh.HostKeyCallback, error) {
	if hop.InsecureIgnoreHostKey {
		slog.Warn("ssh host key verification disabled", "addr", hop.Address)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := hop.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return cb, nil
}

// loadIdentity reads a private key. An empty path tries the usual default
// key files in ~/.ssh.
func loadIdentity(path string) (ssh.Signer, error) {
	candidates := []string{path}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no identity configured: %w", err)
		}
		candidates = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	var lastErr error
	for _, p := range candidates {
		pem, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", p, err)
		}
		return signer, nil
	}
	if errors.Is(lastErr, os.ErrNotExist) {
		return nil, fmt.Errorf("no identity found (tried %v)", candidates)
	}
	return nil, fmt.Errorf("reading identity: %w", lastErr)
}
