package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// LineReader supplies command lines. io.EOF ends the loop cleanly.
type LineReader interface {
	Prompt(prompt string) (string, error)
}

// Loop reads and dispatches lines until exit, end of input or ctx is done.
func (s *Shell) Loop(ctx context.Context, r LineReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := r.Prompt(s.Prompt())
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}
		if s.Dispatch(ctx, line) {
			return nil
		}
	}
}

// Terminal is a liner-backed LineReader with a persistent history file.
type Terminal struct {
	line        *liner.State
	historyFile string
}

// NewTerminal puts the terminal in line-editing mode. Close must be called
// to restore it.
func NewTerminal(historyFile string, complete liner.WordCompleter) *Terminal {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetTabCompletionStyle(liner.TabPrints)
	if complete != nil {
		line.SetWordCompleter(complete)
	}
	t := &Terminal{line: line, historyFile: historyFile}
	t.loadHistory()
	return t
}

func (t *Terminal) loadHistory() {
	if t.historyFile == "" {
		return
	}
	if f, err := os.Open(t.historyFile); err == nil {
		_, _ = t.line.ReadHistory(f)
		_ = f.Close()
	}
}

// Prompt reads one line. Ctrl+C and Ctrl+D both surface as io.EOF.
func (t *Terminal) Prompt(prompt string) (string, error) {
	input, err := t.line.Prompt(prompt)
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", io.EOF
		}
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		t.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history and restores the terminal.
func (t *Terminal) Close() error {
	defer func() { _ = t.line.Close() }()
	if t.historyFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(t.historyFile), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = t.line.WriteHistory(f)
	return err
}
