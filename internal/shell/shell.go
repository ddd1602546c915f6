// Package shell implements the interactive command loop: module selection,
// settings, running and the system shell passthrough.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.uber.org/zap"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

const (
	idlePrompt = "puppeteer> "

	setGuidance    = "Set command depends on using a module. See 'use' for help."
	configGuidance = "'config' command depends on using a module. See 'use' for help."
	runGuidance    = "'run' command depends on using a module. See 'use' for help."
)

var (
	idlePromptStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	selectedPromptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	headerStyle         = lipgloss.NewStyle().Bold(true)
)

var announceStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("5")).
	Padding(0, 1)

// SystemFunc runs cmdline through the operating system's command interpreter.
type SystemFunc func(ctx context.Context, cmdline string, out io.Writer) error

type command struct {
	help string
	run  func(ctx context.Context, arg string) bool
}

// Shell is the command dispatcher. It is either Idle (no module selected)
// or Selected; the selection is an index into the registry.
type Shell struct {
	reg        *modules.Registry
	cur        int
	curName    string
	out        io.Writer
	logger     *zap.Logger
	runTimeout time.Duration
	system     SystemFunc
	interrupt  func(context.Context) (context.Context, context.CancelFunc)
	commands   map[string]command
}

// Option configures a Shell.
type Option func(*Shell)

func WithOutput(w io.Writer) Option { return func(s *Shell) { s.out = w } }

func WithLogger(l *zap.Logger) Option { return func(s *Shell) { s.logger = l } }

// WithRunTimeout bounds every run; zero means no bound.
func WithRunTimeout(d time.Duration) Option { return func(s *Shell) { s.runTimeout = d } }

// WithSystem replaces the interpreter used by the shell command.
func WithSystem(f SystemFunc) Option { return func(s *Shell) { s.system = f } }

// WithInterrupt replaces how a run becomes cancellable from the terminal.
func WithInterrupt(f func(context.Context) (context.Context, context.CancelFunc)) Option {
	return func(s *Shell) { s.interrupt = f }
}

func New(reg *modules.Registry, opts ...Option) *Shell {
	s := &Shell{
		reg:    reg,
		cur:    -1,
		out:    os.Stdout,
		logger: zap.NewNop(),
		system: System,
		interrupt: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.commands = map[string]command{
		"modules": {"List available modules, or describe one: modules [name]", s.cmdModules},
		"use":     {"Select a module: use <name>. 'use' alone clears the selection", s.cmdUse},
		"set":     {"Set a setting of the selected module: set <key> <value>", s.cmdSet},
		"config":  {"Show the selected module's settings: config [key]", s.cmdConfig},
		"run":     {"Run the selected module", s.cmdRun},
		"shell":   {"Run a command on the system shell. '$' is an alias", s.cmdShell},
		"help":    {"List commands, or show help for one: help [command]", s.cmdHelp},
		"exit":    {"Exit mop", func(context.Context, string) bool { return true }},
	}
	return s
}

// CommandNames returns the built-in command names, sorted.
func (s *Shell) CommandNames() []string {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Current returns the selected module, if any.
func (s *Shell) Current() (modules.Module, bool) {
	if s.cur < 0 {
		return nil, false
	}
	return s.reg.At(s.cur)
}

// CurrentName is the selected module's name, or "" when Idle.
func (s *Shell) CurrentName() string { return s.curName }

// Select makes name the current module. An empty name clears the selection.
func (s *Shell) Select(name string) error {
	if name == "" {
		s.cur, s.curName = -1, ""
		return nil
	}
	i := s.reg.Index(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", modules.ErrModuleNotFound, name)
	}
	s.cur, s.curName = i, name
	return nil
}

// Prompt renders the prompt for the current state.
func (s *Shell) Prompt() string {
	if s.curName == "" {
		return idlePromptStyle.Render(idlePrompt)
	}
	return selectedPromptStyle.Render(s.curName + "> ")
}

// ParseLine splits a command line into the command name and its argument
// text. A leading '$' is shorthand for the shell command.
func ParseLine(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "$") {
		line = "shell " + line[1:]
	}
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i:])
}

// Dispatch executes one command line and reports whether the loop should
// stop. Module failures and panics are reported and never end the session.
func (s *Shell) Dispatch(ctx context.Context, line string) (stop bool) {
	name, arg := ParseLine(line)
	if name == "" {
		return false
	}
	cmd, ok := s.commands[name]
	if !ok {
		fmt.Fprintf(s.out, "Unknown command: %s. Type 'help' for a list of commands.\n", name)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("command panicked", zap.String("command", name), zap.Any("panic", r))
			fmt.Fprintf(s.out, "[!] %s: %v\n", name, r)
			stop = false
		}
	}()
	s.logger.Debug("dispatch", zap.String("command", name), zap.String("module", s.curName))
	return cmd.run(ctx, arg)
}

func (s *Shell) cmdModules(_ context.Context, arg string) bool {
	if arg == "" {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("Module", "Revision", "Description")
		for md := range s.reg.List() {
			t.Row(md.Name, md.Revision, md.Description)
		}
		fmt.Fprintln(s.out, t.String())
		return false
	}
	m, ok := s.reg.Lookup(arg)
	if !ok {
		fmt.Fprintf(s.out, "No module named %s available\n", arg)
		return false
	}
	fmt.Fprintln(s.out, headerStyle.Render("Description"))
	fmt.Fprintln(s.out, strings.Repeat("-", 80))
	fmt.Fprintln(s.out, m.Metadata().Description)
	return false
}

func (s *Shell) cmdUse(_ context.Context, arg string) bool {
	if err := s.Select(arg); err != nil {
		fmt.Fprintf(s.out, "No module named %s available\n", arg)
		return false
	}
	if arg != "" {
		fmt.Fprintln(s.out, announceStyle.Render("Master of puppets is pulling the strings: using "+arg))
		s.logger.Info("module selected", zap.String("module", arg))
	}
	return false
}

func (s *Shell) cmdSet(_ context.Context, arg string) bool {
	m, ok := s.Current()
	if !ok {
		fmt.Fprintln(s.out, setGuidance)
		return false
	}
	fields := strings.Fields(arg)
	if len(fields) < 2 {
		fmt.Fprintln(s.out, "Usage: set <key> <value>")
		return false
	}
	key, value := fields[0], strings.Join(fields[1:], " ")
	if err := m.Set(key, value); err != nil {
		var cerr *modkit.ConfigurationError
		if errors.As(err, &cerr) {
			fmt.Fprintf(s.out, "[!] %s has no setting named %s\n", s.curName, cerr.Key)
		} else {
			fmt.Fprintf(s.out, "[!] %v\n", err)
		}
		s.logger.Warn("set failed", zap.String("module", s.curName), zap.String("key", key), zap.Error(err))
		return false
	}
	if st, ok := m.Params()[key]; ok {
		value = modkit.FormatValue(st.Value)
	}
	fmt.Fprintf(s.out, "%s => %s\n", key, value)
	return false
}

func (s *Shell) cmdConfig(_ context.Context, arg string) bool {
	m, ok := s.Current()
	if !ok {
		fmt.Fprintln(s.out, configGuidance)
		return false
	}
	params := m.Params()
	if arg != "" {
		if setting, ok := params[arg]; ok {
			fmt.Fprintln(s.out, Describe(arg, setting))
		}
		return false
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Setting", "Value", "Required", "Description")
	for _, key := range modkit.Keys(params) {
		p := params[key]
		t.Row(key, modkit.FormatValue(p.Value), yesNo(p.Required), p.Description)
	}
	fmt.Fprintln(s.out, t.String())
	return false
}

// Describe renders one setting descriptor on a single line.
func Describe(key string, s modkit.Setting) string {
	return fmt.Sprintf("%s = %s (required: %s) %s", key, modkit.FormatValue(s.Value), yesNo(s.Required), s.Description)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (s *Shell) cmdRun(ctx context.Context, _ string) bool {
	m, ok := s.Current()
	if !ok {
		fmt.Fprintln(s.out, runGuidance)
		return false
	}

	ctx, stop := s.interrupt(ctx)
	defer stop()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	start := time.Now()
	err := modules.Run(ctx, m)
	if err != nil {
		fmt.Fprintf(s.out, "[!] %v\n", err)
		s.logger.Warn("module run failed", zap.String("module", s.curName), zap.Error(err))
		return false
	}
	s.logger.Info("module run finished", zap.String("module", s.curName), zap.Duration("elapsed", time.Since(start)))
	return false
}

func (s *Shell) cmdShell(ctx context.Context, arg string) bool {
	if arg == "" {
		fmt.Fprintln(s.out, "Usage: shell <command>")
		return false
	}
	if err := s.system(ctx, arg, s.out); err != nil {
		fmt.Fprintf(s.out, "[!] shell: %v\n", err)
	}
	return false
}

func (s *Shell) cmdHelp(_ context.Context, arg string) bool {
	if arg != "" {
		if cmd, ok := s.commands[arg]; ok {
			fmt.Fprintln(s.out, cmd.help)
		} else {
			fmt.Fprintf(s.out, "No help on %s\n", arg)
		}
		return false
	}
	fmt.Fprintln(s.out, headerStyle.Render("Commands"))
	for _, name := range s.CommandNames() {
		fmt.Fprintf(s.out, "  %-8s %s\n", name, s.commands[name].help)
	}
	return false
}

// System runs cmdline with sh -c, or cmd /C on Windows.
func System(ctx context.Context, cmdline string, out io.Writer) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", cmdline)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", cmdline)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
