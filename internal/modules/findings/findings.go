// Package findings routes module results to the console, the store or
// JSONL files in the workspace.
package findings

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/internal/store"
)

// Result handlers selectable through a module's "handler" setting.
const (
	HandlerPrint = "print"
	HandlerStore = "store"
	HandlerJSONL = "jsonl"
)

// ErrUnknownHandler is returned for handler values other than the constants above.
var ErrUnknownHandler = errors.New("unknown result handler")

// CheckHandler validates a handler setting value.
func CheckHandler(h string) error {
	switch h {
	case HandlerPrint, HandlerStore, HandlerJSONL:
		return nil
	}
	return fmt.Errorf("%w: %q (want %s, %s or %s)", ErrUnknownHandler, h, HandlerPrint, HandlerStore, HandlerJSONL)
}

// Emit hands scan to the configured handler. rows is what gets written for
// jsonl; print does nothing since modules print as they go.
func Emit[T any](ctx context.Context, env modules.Env, handler, module string, scan *store.Scan, rows []T) error {
	switch handler {
	case HandlerStore:
		if env.Scans == nil {
			return errors.New("no store configured")
		}
		if err := env.Scans.Create(ctx, scan); err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "[+] stored scan %s for %s\n", scan.ID, scan.Target)
	case HandlerJSONL:
		if env.Workspace == nil {
			return errors.New("no workspace configured")
		}
		ts := time.Now().Format("20060102-150405")
		path := env.Workspace.Path("findings", fmt.Sprintf("%s-%s.jsonl", module, ts))
		if err := WriteJSONL(path, rows); err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "[+] findings written to %s\n", path)
	}
	return nil
}

// WriteJSONL appends one JSON document per row to path.
func WriteJSONL[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Use append mode so multiple calls don't overwrite
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return w.Flush()
}
