package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Handle implements modules.WorkspaceHandle.
type Handle struct {
	Root string
}

// Path joins workspace root with provided parts.
func (h Handle) Path(parts ...string) string {
	all := append([]string{h.Root}, parts...)
	return filepath.Join(all...)
}

// Layout lists the directories Ensure creates below the root.
var Layout = []string{
	"findings",
	"logs",
}

// Ensure creates the workspace directory structure if missing.
func Ensure(root string) (Handle, error) {
	h := Handle{Root: root}
	if root == "" {
		return h, fmt.Errorf("workspace cannot be empty")
	}
	dirs := []string{root}
	for _, d := range Layout {
		dirs = append(dirs, filepath.Join(root, d))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return h, fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return h, nil
}
