// Package storage holds helpers shared by the snapshot store backends.
package storage

import (
	"fmt"
)

// ContentType is recorded on stored snapshots where the backend supports it.
const ContentType = "text/html; charset=utf-8"

// SnapshotName returns the object name for a bookmark's raw snapshot.
func SnapshotName(bookmarkID int64) (string, error) {
	if bookmarkID <= 0 {
		return "", fmt.Errorf("invalid bookmark id %d", bookmarkID)
	}
	return fmt.Sprintf("%d.html", bookmarkID), nil
}
