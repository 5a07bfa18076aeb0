package console

import (
	"fmt"
	"sort"
	"strings"
)

// Command is a typed player command.
type Command struct {
	// Name is the canonical command name.
	Name string
	// Aliases are alternate names for this command.
	Aliases []string
	// Usage shows the arguments, if any.
	Usage string
	// Help is the short help text.
	Help string
}

// Canonical command names.
const (
	CmdList   = "list"
	CmdCreate = "create"
	CmdJoin   = "join"
	CmdStart  = "start"
	CmdRoll   = "roll"
	CmdMove   = "move"
	CmdTask   = "task"
	CmdLeave  = "leave"
	CmdHelp   = "help"
	CmdQuit   = "quit"
)

// BuiltinCommands returns every command the console understands.
func BuiltinCommands() []Command {
	return []Command{
		{Name: CmdList, Aliases: []string{"ls", "rooms"}, Help: "List open rooms"},
		{Name: CmdCreate, Aliases: []string{"host"}, Usage: "[room name]", Help: "Create a room and take the first seat"},
		{Name: CmdJoin, Aliases: []string{"j"}, Usage: "<code>", Help: "Join a room by its code"},
		{Name: CmdStart, Help: "Start the game (host only)"},
		{Name: CmdRoll, Aliases: []string{"r"}, Help: "Roll the die on your turn"},
		{Name: CmdMove, Aliases: []string{"m", "go"}, Help: "Move by the rolled value"},
		{Name: CmdTask, Aliases: []string{"t"}, Usage: "[task id] yes|no", Help: "Report whether the pending task was done"},
		{Name: CmdLeave, Help: "Leave the current room"},
		{Name: CmdHelp, Aliases: []string{"?"}, Help: "Show this help"},
		{Name: CmdQuit, Aliases: []string{"exit", "q"}, Help: "Disconnect"},
	}
}

// Registry maps command names and aliases to commands.
type Registry struct {
	commands map[string]*Command
	aliases  map[string]string
}

// NewRegistry builds a Registry from cmds.
//
// Postcondition: Returns an error when two commands share a name or alias.
func NewRegistry(cmds []Command) (*Registry, error) {
	r := &Registry{
		commands: make(map[string]*Command, len(cmds)),
		aliases:  make(map[string]string),
	}
	for i := range cmds {
		cmd := &cmds[i]
		if _, exists := r.commands[cmd.Name]; exists {
			return nil, fmt.Errorf("duplicate command name: %q", cmd.Name)
		}
		if _, exists := r.aliases[cmd.Name]; exists {
			return nil, fmt.Errorf("command name %q conflicts with an existing alias", cmd.Name)
		}
		r.commands[cmd.Name] = cmd
		for _, alias := range cmd.Aliases {
			if _, exists := r.commands[alias]; exists {
				return nil, fmt.Errorf("alias %q conflicts with a command name", alias)
			}
			if existing, exists := r.aliases[alias]; exists {
				return nil, fmt.Errorf("duplicate alias %q: used by %q and %q", alias, existing, cmd.Name)
			}
			r.aliases[alias] = cmd.Name
		}
	}
	return r, nil
}

// DefaultRegistry returns a Registry of BuiltinCommands.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(BuiltinCommands())
	if err != nil {
		panic(fmt.Sprintf("building default registry: %v", err))
	}
	return r
}

// Resolve looks up a command by name or alias, case-insensitively.
func (r *Registry) Resolve(name string) (*Command, bool) {
	name = strings.ToLower(name)
	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return r.commands[canonical], true
	}
	return nil, false
}

// Help renders one line per command, sorted by name.
func (r *Registry) Help() string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		cmd := r.commands[name]
		usage := strings.TrimSpace(cmd.Name + " " + cmd.Usage)
		fmt.Fprintf(&b, "  %-22s %s\n", usage, cmd.Help)
	}
	return b.String()
}
