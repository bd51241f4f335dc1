package model

import "time"

// Quality indicates the reported quality of a sample.
type Quality uint8

const (
	// QualityGood is a normally reported measurement.
	QualityGood Quality = iota
	// QualityUncertain is a measurement the upstream flagged as suspect.
	QualityUncertain
	// QualityBad is a measurement the upstream flagged as invalid.
	QualityBad
)

// String returns a human-readable representation of the Quality.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Sample flag bits. Flags annotate provenance without affecting identity.
const (
	// FlagBackfilled marks samples imported by the backfill worker.
	FlagBackfilled uint16 = 1 << iota
	// FlagInterpolated marks values the upstream synthesized.
	FlagInterpolated
)

// Sample is a single measurement for a point.
// Key is (PointID, TimestampMs); a later write with the same key replaces
// the prior value.
type Sample struct {
	PointID     int64
	TimestampMs int64
	Value       float64
	Quality     Quality
	Flags       uint16
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}
