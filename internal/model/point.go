package model

import "time"

// Point source values record how a point entered the registry.
const (
	SourceSync     = "sync"
	SourceBackfill = "backfill"
	SourceSeed     = "seed"
)

// Point maps a sensor point name to its stable numeric id.
// The registry is append-only: ids are never reused once assigned and the
// name is immutable after creation.
type Point struct {
	ID        int64
	Site      string
	Name      string
	Unit      string
	Source    string
	CreatedAt time.Time
}
