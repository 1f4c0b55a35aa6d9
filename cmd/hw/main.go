package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/hopwire/internal/auth"
	"github.com/codewiresh/hopwire/internal/client"
	"github.com/codewiresh/hopwire/internal/config"
	"github.com/codewiresh/hopwire/internal/node"
	"github.com/codewiresh/hopwire/internal/protocol"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeFlag    string
	tokenFlag   string
	codecFlag   string
	viaFlag     []string
	verboseFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hw",
		Short:         "Run commands on nodes reached through chains of hops",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verboseFlag {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&nodeFlag, "node", "n", "", "Connect to a remote node over WebSocket (ws://host:port)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Auth token for a remote node (default $HOPWIRE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&codecFlag, "codec", "", "Wire codec: json or cbor (default from config)")
	rootCmd.PersistentFlags().StringArrayVarP(&viaFlag, "via", "H", nil, "Hop to open before running, e.g. \"ssh jump\" (repeatable, outermost first)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging on stderr")

	rootCmd.AddCommand(
		serveCmd(),
		stopCmd(),
		execCmd(),
		lsCmd(),
		editCmd(),
		planCmd(),
		historyCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.status())
		}
		fmt.Fprintf(os.Stderr, "hw: %v\n", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the protocol on a Unix socket, or on stdin/stdout as a hop",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := config.DataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			if codecFlag != "" {
				os.Setenv("HOPWIRE_CODEC", codecFlag)
			}

			n, err := node.NewNode(dir)
			if err != nil {
				return fmt.Errorf("initializing node: %w", err)
			}
			defer n.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if stdio {
				return n.ServeStdio(ctx, os.Stdin, os.Stdout)
			}
			if err := n.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve a single controller on stdin/stdout")

	return cmd
}

// ---------------------------------------------------------------------------
// stopCmd
// ---------------------------------------------------------------------------

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := filepath.Join(config.DataDir(), "hopwire.pid")
			data, err := os.ReadFile(pidPath)
			if err != nil {
				return fmt.Errorf("reading pid file: %w (is the node running?)", err)
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return fmt.Errorf("invalid pid file: %w", err)
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				if err == syscall.ESRCH {
					_ = os.Remove(pidPath)
					fmt.Fprintln(os.Stderr, "[hw] node already stopped (stale pid file removed)")
					return nil
				}
				return fmt.Errorf("sending SIGTERM to pid %d: %w", pid, err)
			}

			fmt.Fprintf(os.Stderr, "[hw] sent SIGTERM to node (pid %d)\n", pid)
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// versionCmd
// ---------------------------------------------------------------------------

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hw version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("hw", version)
		},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// resolveTarget picks the node to talk to: the local daemon unless --node
// names a remote one.
func resolveTarget() (*client.Target, error) {
	dir := config.DataDir()
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	codecName := cfg.Node.Codec
	if codecFlag != "" {
		codecName = codecFlag
	}
	codec, err := protocol.CodecByName(codecName)
	if err != nil {
		return nil, err
	}

	if nodeFlag == "" {
		if err := ensureNode(dir); err != nil {
			return nil, err
		}
		return &client.Target{Local: node.SocketPath(dir), Codec: codec, Compress: cfg.Node.Compress}, nil
	}

	token := tokenFlag
	if token == "" {
		token = os.Getenv(auth.EnvToken)
	}
	if token == "" {
		return nil, fmt.Errorf("--token or HOPWIRE_TOKEN required for a remote node")
	}
	return &client.Target{URL: nodeFlag, Token: token, Codec: codec}, nil
}

// connect dials the target and opens the --via hop chain.
func connect(ctx context.Context, editor client.Editor) (*client.Session, protocol.RemoteID, error) {
	target, err := resolveTarget()
	if err != nil {
		return nil, 0, err
	}
	s, err := client.Dial(ctx, target, editor)
	if err != nil {
		return nil, 0, err
	}
	hops, err := parseHops(viaFlag)
	if err != nil {
		s.Close()
		return nil, 0, err
	}
	remote, err := s.Chain(hops...)
	if err != nil {
		s.Close()
		return nil, 0, err
	}
	return s, remote, nil
}

func parseHops(via []string) ([]protocol.Command, error) {
	hops := make([]protocol.Command, 0, len(via))
	for _, v := range via {
		f := strings.Fields(v)
		if len(f) == 0 {
			return nil, fmt.Errorf("empty --via hop")
		}
		hops = append(hops, protocol.NewCommand(f[0], f[1:]...))
	}
	return hops, nil
}

// ensureNode starts `hw serve` in the background unless a node already
// answers on the socket.
func ensureNode(dir string) error {
	sock := node.SocketPath(dir)

	if conn, err := net.Dial("unix", sock); err == nil {
		conn.Close()
		return nil
	}

	_ = os.Remove(sock)
	_ = os.MkdirAll(dir, 0o755)

	exe, _ := os.Executable()
	cmd := exec.Command(exe, "serve")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning node: %w", err)
	}
	fmt.Fprintf(os.Stderr, "[hw] node started (pid %d)\n", cmd.Process.Pid)

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.Dial("unix", sock); err == nil {
			conn.Close()
			return nil
		}
	}

	return fmt.Errorf("node failed to start (socket not available after 5s)")
}

// exitError carries a remote exit code out of a command so main can exit
// with it.
type exitError struct{ code int64 }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// status maps the code onto a process exit status. Commands that never ran
// report -1, which becomes 255.
func (e *exitError) status() int {
	if e.code < 0 || e.code > 255 {
		return 255
	}
	return int(e.code)
}
