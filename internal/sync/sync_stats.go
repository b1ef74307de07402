package sync

import (
	"time"
)

type Outcome int

const (
	OutcomeUploaded Outcome = iota
	OutcomeUpdated
	OutcomeSkipped
	OutcomeDownloaded
	OutcomeVanished
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "Uploaded"
	case OutcomeUpdated:
		return "Updated"
	case OutcomeSkipped:
		return "Skipped"
	case OutcomeDownloaded:
		return "Downloaded"
	case OutcomeVanished:
		return "Vanished"
	}
	return "Unknown"
}

// Stats aggregates a run. It is written only by the goroutine draining
// the pool results.
type Stats struct {
	Scanned    int
	Uploaded   int
	Updated    int
	Skipped    int
	Verified   int
	Downloaded int
	Vanished   int
	Conflicts  int
	Failed     int
	// StaleProbes counts verification probes that found no object although
	// the listing had one
	StaleProbes int
	// Planned counts transfers a dry run would have made
	Planned int
	Batches int
	Renamed int
	// Renames maps original keys to the shortened keys used instead
	Renames map[string]string

	BytesTransferred int64
	// Elapsed is wall time, WorkerTime the sum of per-task time
	Elapsed    time.Duration
	WorkerTime time.Duration
}

func (s *Stats) record(outcome Outcome, bytes int64, took time.Duration) {
	s.WorkerTime += took
	switch outcome {
	case OutcomeUploaded:
		s.Uploaded++
		s.BytesTransferred += bytes
	case OutcomeUpdated:
		s.Updated++
		s.BytesTransferred += bytes
	case OutcomeDownloaded:
		s.Downloaded++
		s.BytesTransferred += bytes
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeVanished:
		s.Vanished++
	}
}

func (s *Stats) addRename(original, key string) {
	if s.Renames == nil {
		s.Renames = make(map[string]string)
	}
	s.Renames[original] = key
	s.Renamed++
}

// Transferred is the number of objects whose bytes moved.
func (s *Stats) Transferred() int {
	return s.Uploaded + s.Updated + s.Downloaded
}
