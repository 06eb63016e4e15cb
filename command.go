package fastboot

import "github.com/kernelflinger/fastbootd/fberr"

// LockState is the device authorization state gating which commands may
// run.
type LockState int

const (
	Locked LockState = iota
	Unlocked
)

func (s LockState) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// HandlerFunc implements one fastboot command. argv[0] is the command name
// (the token before the first ':' or space); argv[1:] are its arguments.
// A handler must emit zero-or-more INFO replies and exactly one terminal
// OKAY/FAIL reply via the Session passed to it.
type HandlerFunc func(s *Session, argv []string) error

// Command is a single registry entry: name, minimum lock state, handler.
type Command struct {
	Name     string
	MinState LockState
	Handle   HandlerFunc
}

// CommandRegistry is an append-only-during-init, exact-match-by-name list
// of commands. Built on an ordered slice rather than an intrusive linked
// list (DESIGN.md).
type CommandRegistry struct {
	order []string
	cmds  map[string]*Command
}

// NewCommandRegistry returns an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{cmds: make(map[string]*Command)}
}

// Register adds cmd to the registry. Re-registering an existing name
// replaces its entry in place (most recent registration wins on lookup).
func (r *CommandRegistry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handle == nil {
		return fberr.New(fberr.InvalidParameter, "command must have a name and handler")
	}
	if _, exists := r.cmds[cmd.Name]; !exists {
		r.order = append(r.order, cmd.Name)
	}
	c := cmd
	r.cmds[cmd.Name] = &c
	return nil
}

// Lookup returns the command registered under name, if any.
func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	c, ok := r.cmds[name]
	return c, ok
}

// Names returns every registered command name in registration order.
func (r *CommandRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
