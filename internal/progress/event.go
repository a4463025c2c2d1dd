// Package progress defines the events emitted while adaptive crawl tasks run.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskSubmit  Stage = "TASK_SUBMIT"
	StageTaskCached  Stage = "TASK_CACHE_HIT"
	StageTaskSeeded  Stage = "TASK_SEEDED"
	StageTaskDone    Stage = "TASK_DONE"
	StageTaskError   Stage = "TASK_ERROR"
	StagePageDone    Stage = "PAGE_DONE"
	StagePageFailed  Stage = "PAGE_FAILED"
	StageExpand      Stage = "EXPAND"
	StageRerankError Stage = "RERANK_ERROR"
)

// Event captures a single milestone of a task.
type Event struct {
	// TaskID is the digest of the owning task.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes page events to a host label.
	Site string
	// URL is the page the event refers to, if any.
	URL string
	// Bytes is the size of the cached payload for PAGE_DONE.
	Bytes int64
	// Count is the number of links admitted (EXPAND) or URLs settled (page and task stages).
	Count int
	// Total is the frontier size at the time of the event.
	Total int
	Dur   time.Duration
	// Note carries low-volume debug context such as a failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskSubmit, StageTaskCached, StageTaskSeeded, StageTaskDone, StageTaskError:
	case StagePageDone, StagePageFailed, StageExpand, StageRerankError:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 || e.Total < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a task.
func (e Event) Terminal() bool {
	return e.Stage == StageTaskDone || e.Stage == StageTaskError
}
