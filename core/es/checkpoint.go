package es

import (
	"sort"
	"time"
)

// Checkpoint records the last event a projection applied.
type Checkpoint struct {
	ProjectionName string    `json:"projectionName"`
	LastEventID    *string   `json:"lastEventId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NextCheckpoint returns the checkpoint that results from applying eventID at
// time at on top of prev. UpdatedAt never moves backwards.
func NextCheckpoint(prev *Checkpoint, projection, eventID string, at time.Time) Checkpoint {
	id := eventID
	cp := Checkpoint{ProjectionName: projection, LastEventID: &id, UpdatedAt: at.UTC()}
	if prev != nil && prev.UpdatedAt.After(cp.UpdatedAt) {
		cp.UpdatedAt = prev.UpdatedAt
	}
	return cp
}

// CheckpointMap turns a checkpoint list into name -> last event id.
func CheckpointMap(cps []Checkpoint) map[string]*string {
	out := make(map[string]*string, len(cps))
	for _, cp := range cps {
		out[cp.ProjectionName] = cp.LastEventID
	}
	return out
}

func sortCheckpoints(cps []Checkpoint) {
	sort.Slice(cps, func(i, j int) bool { return cps[i].ProjectionName < cps[j].ProjectionName })
}
