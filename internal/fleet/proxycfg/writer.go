// Package proxycfg rewrites the local egress proxy configuration from the
// enabled-address set.
package proxycfg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// Writer owns the proxy configuration surface.
type Writer interface {
	// Write replaces the proxy configuration with one stanza per enabled
	// address. The file is always rewritten wholesale, never patched.
	Write(ctx context.Context, recs []models.AddressRecord) error
}

// FileWriter rewrites a proxy config file atomically. Concurrent successful
// jobs serialize on the internal mutex so partial interleaved writes cannot
// reach the proxy.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter creates a writer for the given config path.
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

func (w *FileWriter) Write(ctx context.Context, recs []models.AddressRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# managed by egressfleet, do not edit\n")
	for _, rec := range recs {
		fmt.Fprintf(&b, "proxy -n -a -e%s\n", rec.IP)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".proxy-*.cfg")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("failed to replace config %s: %w", w.path, err)
	}
	return nil
}
