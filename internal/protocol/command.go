package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandKind discriminates the Command variants.
type CommandKind int

const (
	// KindUnknown is a free-form executable with an argument list.
	KindUnknown CommandKind = iota
	// KindSetDirectory changes the working directory of the executing side.
	KindSetDirectory
	// KindEdit opens a file for interactive editing by the controller.
	KindEdit
)

func (k CommandKind) String() string {
	switch k {
	case KindSetDirectory:
		return "SetDirectory"
	case KindEdit:
		return "Edit"
	default:
		return "Unknown"
	}
}

// Command is an invocable command. Build one with NewCommand, SetDirectory
// or Edit.
type Command struct {
	kind CommandKind
	name string
	args []string
	path string
}

// NewCommand returns a free-form command running name with args. An empty
// name is rejected by Validate when the command is sent.
func NewCommand(name string, args ...string) Command {
	return Command{kind: KindUnknown, name: name, args: append([]string{}, args...)}
}

// SetDirectory returns a command changing the working directory to path.
func SetDirectory(path string) Command {
	return Command{kind: KindSetDirectory, path: path}
}

// Edit returns a command that round-trips path through the controller's
// editor.
func Edit(path string) Command {
	return Command{kind: KindEdit, path: path}
}

func (c Command) Kind() CommandKind { return c.kind }

// Name is the executable of an Unknown command.
func (c Command) Name() string { return c.name }

// Args returns a copy of the argument list of an Unknown command.
func (c Command) Args() []string { return append([]string{}, c.args...) }

// Path is the target of a SetDirectory or Edit command.
func (c Command) Path() string { return c.path }

// AddArgs appends arguments. Only Unknown commands carry an argument list.
func (c *Command) AddArgs(args ...string) error {
	if c.kind != KindUnknown {
		return fmt.Errorf("add args to %s: %w", c.kind, ErrNoArguments)
	}
	c.args = append(c.args, args...)
	return nil
}

// Validate reports ErrEmptyCommand for a free-form command without a name.
func (c Command) Validate() error {
	if c.kind == KindUnknown && strings.TrimSpace(c.name) == "" {
		return ErrEmptyCommand
	}
	return nil
}

func (c Command) String() string {
	switch c.kind {
	case KindSetDirectory:
		return "cd " + c.path
	case KindEdit:
		return "edit " + c.path
	}
	if len(c.args) == 0 {
		return c.name
	}
	return c.name + " " + strings.Join(c.args, " ")
}

// unknownWire is the argument-bearing variant on the wire.
type unknownWire struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// commandWire is the externally tagged wire form: exactly one field is set.
type commandWire struct {
	Unknown      *unknownWire `json:"Unknown,omitempty"`
	SetDirectory *string      `json:"SetDirectory,omitempty"`
	Edit         *string      `json:"Edit,omitempty"`
}

func (c Command) wire() commandWire {
	switch c.kind {
	case KindSetDirectory:
		p := c.path
		return commandWire{SetDirectory: &p}
	case KindEdit:
		p := c.path
		return commandWire{Edit: &p}
	default:
		args := c.args
		if args == nil {
			args = []string{}
		}
		return commandWire{Unknown: &unknownWire{Name: c.name, Args: args}}
	}
}

func (c *Command) fromWire(w commandWire) error {
	switch {
	case w.Unknown != nil && w.SetDirectory == nil && w.Edit == nil:
		*c = NewCommand(w.Unknown.Name, w.Unknown.Args...)
	case w.SetDirectory != nil && w.Unknown == nil && w.Edit == nil:
		*c = SetDirectory(*w.SetDirectory)
	case w.Edit != nil && w.Unknown == nil && w.SetDirectory == nil:
		*c = Edit(*w.Edit)
	default:
		return fmt.Errorf("command must carry exactly one variant")
	}
	return c.Validate()
}

func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wire())
}

func (c *Command) UnmarshalJSON(b []byte) error {
	var w commandWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	return c.fromWire(w)
}

func (c Command) MarshalCBOR() ([]byte, error) {
	return cborEnc.Marshal(c.wire())
}

func (c *Command) UnmarshalCBOR(b []byte) error {
	var w commandWire
	if err := cborDec.Unmarshal(b, &w); err != nil {
		return err
	}
	return c.fromWire(w)
}
