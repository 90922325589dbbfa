package process

import (
	"context"
	"strconv"
	"strings"
)

// QueryEngine filters fresh listings by keyword.
type QueryEngine struct {
	snapshots *SnapshotService
}

// NewQueryEngine creates a query engine backed by snapshots.
func NewQueryEngine(snapshots *SnapshotService) *QueryEngine {
	return &QueryEngine{snapshots: snapshots}
}

// Search fetches a new listing and keeps records whose user or command
// contains keyword (case-insensitive) or whose pid contains it literally.
// An empty keyword keeps every record.
func (q *QueryEngine) Search(ctx context.Context, keyword string) ([]Record, error) {
	snap, err := q.snapshots.List(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(snap, keyword), nil
}

// Filter applies the Search match rule to an existing snapshot.
func Filter(snap Snapshot, keyword string) []Record {
	matches := make([]Record, 0, len(snap))
	needle := strings.ToLower(keyword)

	for _, r := range snap {
		if strings.Contains(strings.ToLower(r.Command), needle) ||
			strings.Contains(strings.ToLower(r.User), needle) ||
			strings.Contains(strconv.Itoa(r.PID), keyword) {
			matches = append(matches, r)
		}
	}

	return matches
}
