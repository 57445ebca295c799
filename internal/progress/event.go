package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobHB       Stage = "JOB_HEARTBEAT"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageFetchDone   Stage = "FETCH_DONE"
	StageProcessDone Stage = "PROCESS_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single pipeline milestone. Job stages are emitted by the
// orchestrator; fetch and process stages are emitted per task by the worker
// pools, which may not know the submitting job.
type Event struct {
	// JobID identifies a submission run using the 16-byte UUID form. It is
	// required for job stages and optional for task stages.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or task milestone occurred.
	Stage Stage
	// Site scopes task events to a host label.
	Site string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Outcome carries the terminal task status (success, failed, skipped).
	Outcome string
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Bytes carries the response size for fetch completions.
	Bytes int64
	// Records counts stat lines written for process completions.
	Records int64
	// Dur captures execution latency for tasks and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobHB, StageJobDone, StageJobError:
		if e.JobID == [16]byte{} {
			return errors.New("job stages require a job id")
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageProcessDone:
		if e.Site == "" {
			return errors.New("process done requires site")
		}
		if e.Outcome == "" {
			return errors.New("process done requires outcome")
		}
		if e.Records < 0 {
			return errors.New("record count must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID for sinks that need it.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// JobIDFromMetadata recovers the submitting job's UUID when the orchestrator
// stamped one onto a task or result. Messages submitted out of band carry
// none, which leaves the zero ID.
func JobIDFromMetadata(md map[string]any) [16]byte {
	var id [16]byte
	raw, ok := md["job_id"].(string)
	if !ok {
		return id
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return id
	}
	copy(id[:], parsed[:])
	return id
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
