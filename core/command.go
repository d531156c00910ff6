package core

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrCommandExists  = errors.New("command already registered")
)

// CommandHandler runs a console command
type CommandHandler func(cmd *ConsoleCommand) error

// ConsoleCommand is one parsed console line: NAME KEY=VALUE ...
type ConsoleCommand struct {
	Name   string
	Params map[string]string

	responses []string
}

// Get returns parameter name (upper case), or def when absent
func (c *ConsoleCommand) Get(name, def string) string {
	if v, ok := c.Params[strings.ToUpper(name)]; ok {
		return v
	}
	return def
}

// GetFloat returns a numeric parameter
func (c *ConsoleCommand) GetFloat(name string, def float64) (float64, error) {
	v, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad %s %q", c.Name, name, v)
	}
	return f, nil
}

// RespondInfo adds a line to the command output
func (c *ConsoleCommand) RespondInfo(format string, args ...any) {
	c.responses = append(c.responses, fmt.Sprintf(format, args...))
}

// Responses returns the output lines
func (c *ConsoleCommand) Responses() []string {
	return c.responses
}

// Command represents a registered console command
type Command struct {
	Name    string
	Help    string
	Handler CommandHandler

	muxKey    string
	muxValues map[string]CommandHandler
}

// CommandRegistry holds all console commands
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewCommandRegistry creates a registry with HELP registered
func NewCommandRegistry() *CommandRegistry {
	r := &CommandRegistry{commands: make(map[string]*Command)}
	r.Register("HELP", r.cmdHelp, "Report the available commands")
	return r
}

// Register adds a command
func (r *CommandRegistry) Register(name string, handler CommandHandler, help string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = strings.ToUpper(name)
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("%w: %s", ErrCommandExists, name)
	}
	r.commands[name] = &Command{Name: name, Help: help, Handler: handler}
	return nil
}

// RegisterMux adds a command that dispatches on the value of key, so several
// instances can share one name (TEST_ADC CHIP=a, TEST_ADC CHIP=b). An empty
// value handles lines that omit the key.
func (r *CommandRegistry) RegisterMux(name, key, value string, handler CommandHandler, help string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, key = strings.ToUpper(name), strings.ToUpper(key)
	cmd, exists := r.commands[name]
	if !exists {
		cmd = &Command{Name: name, Help: help, muxKey: key, muxValues: make(map[string]CommandHandler)}
		cmd.Handler = r.muxHandler(cmd)
		r.commands[name] = cmd
	}
	if cmd.muxKey != key {
		return fmt.Errorf("%w: %s is not muxed on %s", ErrCommandExists, name, key)
	}
	if _, dup := cmd.muxValues[value]; dup {
		return fmt.Errorf("%w: %s %s=%s", ErrCommandExists, name, key, value)
	}
	cmd.muxValues[value] = handler
	return nil
}

func (r *CommandRegistry) muxHandler(cmd *Command) CommandHandler {
	return func(c *ConsoleCommand) error {
		value := c.Params[cmd.muxKey]
		r.mu.RLock()
		handler, ok := cmd.muxValues[value]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s %s=%s", ErrUnknownCommand, cmd.Name, cmd.muxKey, value)
		}
		return handler(c)
	}
}

// GetCommand retrieves a command by name
func (r *CommandRegistry) GetCommand(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToUpper(name)]
	return cmd, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Parse splits a console line into a command. Quoting follows shell rules.
func Parse(line string) (*ConsoleCommand, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	cmd := &ConsoleCommand{Name: strings.ToUpper(tokens[0]), Params: make(map[string]string)}
	for _, tok := range tokens[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%s: malformed parameter %q", cmd.Name, tok)
		}
		cmd.Params[strings.ToUpper(key)] = value
	}
	return cmd, nil
}

// Dispatch parses line and runs the matching command, returning its output
func (r *CommandRegistry) Dispatch(line string) ([]string, error) {
	cmd, err := Parse(line)
	if err != nil || cmd == nil {
		return nil, err
	}
	registered, ok := r.GetCommand(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	if err := registered.Handler(cmd); err != nil {
		return cmd.Responses(), err
	}
	return cmd.Responses(), nil
}

func (r *CommandRegistry) cmdHelp(c *ConsoleCommand) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.RespondInfo("%-12s: %s", name, r.commands[name].Help)
	}
	return nil
}
