package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotWriter persists raw page HTML to disk for later replay and
// for diagnosing parser misses against what the site actually served.
type SnapshotWriter struct {
	dir string
	now func() time.Time
}

// NewSnapshotWriter creates the snapshot directory on first write.
// A nil *SnapshotWriter is a valid no-op writer.
func NewSnapshotWriter(dir string) *SnapshotWriter {
	if dir == "" {
		dir = filepath.Join("logs", "raw_html")
	}
	return &SnapshotWriter{dir: dir, now: time.Now}
}

// Write stores the HTML under a timestamped name and returns the path.
func (w *SnapshotWriter) Write(siteID, filterID, html string) (string, error) {
	if w == nil {
		return "", nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.html", siteID, filterID, w.now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}
