// Package blob defines the snapshot archive port. Completed tasks archive
// their final screenshot under snapshots/{campaign}/{task}.png; the backing
// store is the local filesystem, a GCS bucket, or memory in tests.
package blob

import (
	"context"
	"fmt"
	"io"
)

// Store persists one named object and returns its URI.
type Store interface {
	Put(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Nop discards every object. It backs SNAPSHOT_STORE=none.
type Nop struct{}

// Put does nothing and reports no URI.
func (Nop) Put(context.Context, string, string, io.Reader) (string, error) {
	return "", nil
}

// SnapshotPath returns the archive key for one task's final screenshot.
func SnapshotPath(campaignID, taskID string) string {
	return fmt.Sprintf("snapshots/%s/%s.png", campaignID, taskID)
}
