package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/hopwire/internal/client"
	"github.com/codewiresh/hopwire/internal/config"
	"github.com/codewiresh/hopwire/internal/store"
)

// ---------------------------------------------------------------------------
// planCmd
// ---------------------------------------------------------------------------

func planCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "plan <plan.yaml>",
		Short: "Submit a plan of gated steps and wait for all of them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := client.LoadPlan(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			// Plan steps carry their own remote chains; --via is not applied.
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			s, err := client.Dial(ctx, target, client.EditorFunc(runEditor))
			if err != nil {
				return err
			}
			defer s.Close()

			var mu sync.Mutex
			results, err := s.RunPlan(ctx, plan, func(step string) (io.Writer, io.Writer) {
				prefix := "[" + step + "] "
				return &prefixWriter{mu: &mu, w: os.Stdout, prefix: prefix},
					&prefixWriter{mu: &mu, w: os.Stderr, prefix: prefix}
			})
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			tw := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tEXIT\tELAPSED")
			var failed int64
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Name, r.ExitCode, r.Elapsed.Round(time.Millisecond))
				if r.ExitCode != 0 && failed == 0 {
					failed = r.ExitCode
				}
			}
			tw.Flush()
			if failed != 0 {
				return &exitError{code: failed}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print step results as JSON")

	return cmd
}

// prefixWriter tags each output line with the step it came from. Partial
// lines are held until their newline arrives so steps do not interleave
// mid-line.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	var out bytes.Buffer
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		out.WriteString(p.prefix)
		out.Write(p.buf[:i+1])
		p.buf = p.buf[i+1:]
	}
	if out.Len() == 0 {
		return len(b), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}

// ---------------------------------------------------------------------------
// historyCmd
// ---------------------------------------------------------------------------

func historyCmd() *cobra.Command {
	var (
		session string
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show processes the local node has run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewSQLiteStore(config.DataDir())
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := db.List(context.Background(), store.ListFilter{Session: session, Limit: limit})
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			if len(recs) == 0 {
				fmt.Println("No history")
				return nil
			}
			printHistory(os.Stdout, recs)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "Only show one controller session")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	return cmd
}

func printHistory(w io.Writer, recs []store.ProcessRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSESSION\tPID\tNODE\tEXIT\tCOMMAND")
	for _, r := range recs {
		exit := "running"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			shortSession(r.Session),
			r.ProcessID,
			r.Node,
			exit,
			r.Command,
		)
	}
	tw.Flush()
}

// shortSession trims a uuid to its first group.
func shortSession(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
