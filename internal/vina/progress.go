package vina

import (
	"strconv"
	"time"
)

const (
	// Marker is printed by vina for every evaluated unit of the search.
	Marker = '*'
	// Markers is the number of markers printed by a complete run.
	Markers = 51
)

// Progress is a single progress report.
type Progress struct {
	Percentage int    `json:"percentage"`
	TimeLeft   string `json:"timeLeft"`
}

// Done is the report emitted when a run completes.
var Done = Progress{Percentage: 100, TimeLeft: "0s"}

// ProgressTracker converts the stream of vina stdout chunks into progress
// reports. It is not safe for concurrent use.
type ProgressTracker struct {
	markers int
	last    time.Time
	now     func() time.Time
}

func NewProgressTracker(now func() time.Time) *ProgressTracker {
	if now == nil {
		now = time.Now
	}
	return &ProgressTracker{last: now(), now: now}
}

// Observe inspects a chunk of stdout. It reports a Progress when the chunk is
// a single progress marker.
func (t *ProgressTracker) Observe(chunk []byte) (Progress, bool) {
	if len(chunk) != 1 || chunk[0] != Marker {
		return Progress{}, false
	}
	now := t.now()
	delta := now.Sub(t.last).Milliseconds()
	t.last = now
	t.markers++

	pct := min(t.markers*100/Markers, 100)
	left := (int64(100-pct) * delta) / 1000
	return Progress{
		Percentage: pct,
		TimeLeft:   FormatSeconds(left),
	}, true
}

// FormatSeconds formats seconds as "1H 2Min 3s", omitting leading zero units.
func FormatSeconds(seconds int64) string {
	sec := seconds % 60
	mins := (seconds / 60) % 60
	hours := seconds / 3600
	s := strconv.FormatInt(sec, 10) + "s"
	switch {
	case hours > 0:
		return strconv.FormatInt(hours, 10) + "H " + strconv.FormatInt(mins, 10) + "Min " + s
	case mins > 0:
		return strconv.FormatInt(mins, 10) + "Min " + s
	default:
		return s
	}
}
