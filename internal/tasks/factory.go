package tasks

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NewStore builds the local task store backend named by mode: "sheets" (CSV
// files under dataDir), "bolt" (single-file database under dataDir) or
// "memory".
func NewStore(mode, dataDir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "sheets", "csv":
		return NewSheetStore(dataDir)
	case "bolt", "bbolt":
		return NewBoltStore(filepath.Join(dataDir, "tasks.db"))
	case "memory", "mem":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown task store mode %q", mode)
	}
}
