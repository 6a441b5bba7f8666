package syncrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	spoolMessagePrefix = "spool:"
	deliveredSubdir    = "delivered"
)

// SpoolFetcher treats a drop directory as the document source: every
// regular file is a candidate item whose stable message id is derived
// from the file name. Delivered files are moved into a delivered/
// subdirectory so the spool drains.
type SpoolFetcher struct {
	dir    string
	logger Logger
}

func NewSpoolFetcher(dir string, logger Logger) (*SpoolFetcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SpoolFetcher{dir: dir, logger: logger}, nil
}

func (f *SpoolFetcher) Fetch(ctx context.Context) ([]Item, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		payload, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			f.logf("skipping unreadable spool file %s: %v", name, err)
			continue
		}
		items = append(items, Item{
			MessageID: spoolMessagePrefix + name,
			Title:     strings.TrimSuffix(name, filepath.Ext(name)),
			Payload:   payload,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].MessageID < items[j].MessageID })
	return items, nil
}

// MarkDelivered moves the item's file out of the spool. Failing to
// move is not fatal for the run; the tracker's message id suppresses
// redelivery either way.
func (f *SpoolFetcher) MarkDelivered(item Item) error {
	name := strings.TrimPrefix(item.MessageID, spoolMessagePrefix)
	if name == "" || name == item.MessageID {
		return fmt.Errorf("%q is not a spool item", item.MessageID)
	}
	dstDir := filepath.Join(f.dir, deliveredSubdir)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	return os.Rename(filepath.Join(f.dir, name), filepath.Join(dstDir, name))
}

func (f *SpoolFetcher) logf(format string, args ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
