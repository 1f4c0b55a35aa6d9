package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewiresh/hopwire/internal/protocol"
)

// Plan is a set of commands submitted together. Ordering between steps is
// expressed with completion gates and enforced by the node, not by the
// controller.
type Plan struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one command of a plan.
type Step struct {
	Name string `yaml:"name"`
	// Remote is the hop chain the step runs behind, outermost first. Each
	// entry is a command line such as "ssh build-box".
	Remote []string `yaml:"remote"`
	// Exactly one of Command, Cd and Edit is set.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Cd      string   `yaml:"cd"`
	Edit    string   `yaml:"edit"`
	// Output redirects stdout into a file on the remote.
	Output string `yaml:"output"`
	// After gates the step on earlier steps of the same remote chain:
	// step name -> success, failure or any.
	After map[string]string `yaml:"after"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string `json:"name"`
	ExitCode int64  `json:"exit_code"`
	// Elapsed runs from submission until the result was collected.
	Elapsed time.Duration `json:"elapsed"`
}

// PlanOutput supplies the writers a step's stdout and stderr go to.
type PlanOutput func(step string) (stdout, stderr io.Writer)

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates a YAML plan. Unknown fields are rejected.
func ParsePlan(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks step names, step kinds and gate references. A step may
// only wait on earlier steps behind the same remote chain, since gates are
// resolved by the node that runs the step.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]Step, len(p.Steps))
	for i, step := range p.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %d: name is required", i+1)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("step %q: duplicate name", step.Name)
		}
		kinds := 0
		for _, f := range []string{step.Command, step.Cd, step.Edit} {
			if f != "" {
				kinds++
			}
		}
		if kinds != 1 {
			return fmt.Errorf("step %q: exactly one of command, cd or edit is required", step.Name)
		}
		if step.Command == "" && (len(step.Args) > 0 || step.Output != "") {
			return fmt.Errorf("step %q: args and output need a command", step.Name)
		}
		for _, hop := range step.Remote {
			if len(strings.Fields(hop)) == 0 {
				return fmt.Errorf("step %q: empty remote hop", step.Name)
			}
		}
		for dep, cond := range step.After {
			prior, ok := seen[dep]
			if !ok {
				return fmt.Errorf("step %q: after %q: no earlier step with that name", step.Name, dep)
			}
			if chainKey(prior.Remote) != chainKey(step.Remote) {
				return fmt.Errorf("step %q: after %q: steps run behind different remotes", step.Name, dep)
			}
			if _, err := parseCondition(cond); err != nil {
				return fmt.Errorf("step %q: after %q: %w", step.Name, dep, err)
			}
		}
		seen[step.Name] = step
	}
	return nil
}

func parseCondition(s string) (protocol.Condition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return protocol.Require(protocol.Success), nil
	case "failure":
		return protocol.Require(protocol.Failure), nil
	case "any", "":
		return nil, nil
	}
	return nil, fmt.Errorf("condition must be success, failure or any, got %q", s)
}

func chainKey(remote []string) string {
	parts := make([]string, len(remote))
	for i, hop := range remote {
		parts[i] = strings.Join(strings.Fields(hop), " ")
	}
	return strings.Join(parts, "\x00")
}

func (s Step) command() protocol.Command {
	switch {
	case s.Cd != "":
		return protocol.SetDirectory(s.Cd)
	case s.Edit != "":
		return protocol.Edit(s.Edit)
	}
	return protocol.NewCommand(s.Command, s.Args...)
}

// RunPlan submits every step at once and waits for all of them. Remote
// chains shared by several steps are opened once and closed at the end.
// Results are in step order.
func (s *Session) RunPlan(ctx context.Context, plan *Plan, out PlanOutput) ([]StepResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = func(string) (io.Writer, io.Writer) { return nil, nil }
	}

	remotes := make(map[string]protocol.RemoteID)
	var opened []protocol.RemoteID
	defer func() {
		// Closing an outer hop releases everything behind it.
		for _, r := range opened {
			if err := s.ep.CloseRemote(r); err != nil {
				slog.Debug("closing plan remote", "remote", r, "err", err)
			}
		}
	}()

	procs := make(map[string]protocol.ReadProcess, len(plan.Steps))
	started := make(map[string]time.Time, len(plan.Steps))
	for _, step := range plan.Steps {
		key := chainKey(step.Remote)
		remote, ok := remotes[key]
		if !ok {
			hops := make([]protocol.Command, len(step.Remote))
			for i, hop := range step.Remote {
				f := strings.Fields(hop)
				hops[i] = protocol.NewCommand(f[0], f[1:]...)
			}
			var err error
			if remote, err = s.Chain(hops...); err != nil {
				return nil, fmt.Errorf("step %q: %w", step.Name, err)
			}
			remotes[key] = remote
			if len(hops) > 0 {
				opened = append(opened, s.outermost(remote))
			}
		}

		blockFor := protocol.BlockFor{}
		for dep, cond := range step.After {
			c, _ := parseCondition(cond)
			blockFor[procs[dep].ID] = c
		}

		var redirect *protocol.Handle
		if step.Output != "" {
			h, err := s.ep.OpenFile(remote, step.Output)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", step.Name, err)
			}
			redirect = &h
		}

		stdout, stderr := out(step.Name)
		proc, err := s.Start(remote, step.command(), blockFor, redirect, stdout, stderr)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		if err := s.CloseInput(proc); err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		procs[step.Name] = proc
		started[step.Name] = time.Now()
		slog.Debug("step submitted", "plan", plan.Name, "step", step.Name, "process", proc.ID)
	}

	results := make([]StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		code, err := s.Wait(ctx, procs[step.Name].ID)
		if err != nil {
			return results, fmt.Errorf("step %q: %w", step.Name, err)
		}
		results = append(results, StepResult{
			Name:     step.Name,
			ExitCode: code,
			Elapsed:  time.Since(started[step.Name]),
		})
	}
	return results, nil
}

// outermost walks up from remote to the hop opened directly under root.
func (s *Session) outermost(remote protocol.RemoteID) protocol.RemoteID {
	for {
		parent, ok := s.ep.Parent(remote)
		if !ok || parent == protocol.Root {
			return remote
		}
		remote = parent
	}
}
