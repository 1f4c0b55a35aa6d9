package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codewiresh/hopwire/internal/client"
	"github.com/codewiresh/hopwire/internal/protocol"
	"github.com/codewiresh/hopwire/internal/terminal"
)

// ---------------------------------------------------------------------------
// execCmd
// ---------------------------------------------------------------------------

func execCmd() *cobra.Command {
	var (
		workDir string
		output  string
		raw     bool
		noInput bool
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a command on the target node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, remote, err := connect(ctx, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			// A working directory is a separate command the real one waits on.
			var blockFor protocol.BlockFor
			if workDir != "" {
				cd, err := s.Start(remote, protocol.SetDirectory(workDir), nil, nil, nil, os.Stderr)
				if err != nil {
					return err
				}
				blockFor = protocol.BlockFor{cd.ID: protocol.Require(protocol.Success)}
			}

			var redirect *protocol.Handle
			if output != "" {
				h, err := s.Endpoint().OpenFile(remote, output)
				if err != nil {
					return err
				}
				redirect = &h
			}

			stdout := io.Writer(os.Stdout)
			stderr := io.Writer(os.Stderr)
			if !terminal.IsTerminal(os.Stdout) {
				stdout = client.NewPlainWriter(os.Stdout)
			}
			if !terminal.IsTerminal(os.Stderr) {
				stderr = client.NewPlainWriter(os.Stderr)
			}

			proc, err := s.Start(remote, protocol.NewCommand(args[0], args[1:]...), blockFor, redirect, stdout, stderr)
			if err != nil {
				return err
			}

			switch {
			case noInput:
				if err := s.CloseInput(proc); err != nil {
					return err
				}
			case raw && terminal.IsTerminal(os.Stdin):
				guard, err := terminal.EnableRawMode(os.Stdin)
				if err != nil {
					return fmt.Errorf("enabling raw mode: %w", err)
				}
				defer guard.Restore()
				// The remote pseudo-terminal interprets ^C and ^D itself.
				go s.Input(proc, os.Stdin)
			default:
				go func() {
					if err := s.Input(proc, os.Stdin); err != nil {
						fmt.Fprintf(os.Stderr, "[hw] stdin: %v\n", err)
					}
				}()
			}

			code, err := waitOrCancel(ctx, s, proc)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "Change to this directory on the target first")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write stdout to this file on the target")
	cmd.Flags().BoolVar(&raw, "raw", false, "Put the local terminal in raw mode (for nodes running commands under a pty)")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "Close the command's stdin immediately")

	return cmd
}

// waitOrCancel waits for proc. If ctx ends first (Ctrl+C) the process is
// cancelled and its final exit code is still collected.
func waitOrCancel(ctx context.Context, s *client.Session, proc protocol.ReadProcess) (int64, error) {
	code, err := s.Wait(ctx, proc.ID)
	if err == nil || ctx.Err() == nil {
		return code, err
	}
	if err := s.Cancel(proc); err != nil {
		return 0, err
	}
	return s.Wait(context.Background(), proc.ID)
}

// ---------------------------------------------------------------------------
// lsCmd
// ---------------------------------------------------------------------------

func lsCmd() *cobra.Command {
	var onePerLine bool

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory on the target node",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}

			ctx, cancel := signalContext()
			defer cancel()

			s, remote, err := connect(ctx, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.List(ctx, remote, path)
			if err != nil {
				return err
			}
			if onePerLine || !terminal.IsTerminal(os.Stdout) {
				for _, item := range items {
					fmt.Println(item)
				}
				return nil
			}
			printColumns(os.Stdout, items, terminal.Width(80))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&onePerLine, "one", "1", false, "One entry per line")

	return cmd
}

// printColumns lays items out column-major in as many columns as fit width.
func printColumns(w io.Writer, items []string, width int) {
	if len(items) == 0 {
		return
	}
	colWidth := 0
	for _, item := range items {
		colWidth = max(colWidth, len(item))
	}
	colWidth += 2
	cols := max(1, width/colWidth)
	rows := (len(items) + cols - 1) / cols

	for r := 0; r < rows; r++ {
		var line strings.Builder
		for c := 0; c < cols; c++ {
			i := c*rows + r
			if i >= len(items) {
				break
			}
			if c == cols-1 || i+rows >= len(items) {
				line.WriteString(items[i])
			} else {
				fmt.Fprintf(&line, "%-*s", colWidth, items[i])
			}
		}
		fmt.Fprintln(w, line.String())
	}
}

// ---------------------------------------------------------------------------
// editCmd
// ---------------------------------------------------------------------------

func editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <path>",
		Short: "Edit a file on the target node with the local $EDITOR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, remote, err := connect(ctx, client.EditorFunc(runEditor))
			if err != nil {
				return err
			}
			defer s.Close()

			proc, err := s.Start(remote, protocol.Edit(args[0]), nil, nil, nil, os.Stderr)
			if err != nil {
				return err
			}
			code, err := waitOrCancel(ctx, s, proc)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

// runEditor opens data in $VISUAL or $EDITOR (default vi) through a temp
// file named after the remote file, and returns what the user saved.
func runEditor(name string, data []byte) ([]byte, error) {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	f, err := os.CreateTemp("", "hw-*-"+filepath.Base(name))
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	// Run through the shell so EDITOR may carry its own arguments.
	cmd := exec.Command("/bin/sh", "-c", editor+` "$1"`, "sh", f.Name())
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s: %w", editor, err)
	}
	return os.ReadFile(f.Name())
}
