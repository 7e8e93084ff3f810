package audit

import (
	"context"
	"time"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is one link of the audit chain. Before and After hold JSON snapshots
// of the object the action touched.
type Event struct {
	AuditID      string
	OccurredAt   time.Time
	RecordedAt   time.Time
	ActorID      string
	ActorRole    string
	ObjectType   string
	ObjectID     string
	Action       string
	Before       []byte
	After        []byte
	Result       Result
	Reason       string
	PartitionDay string
	HashPrev     string
	HashCurr     string
}

// Store appends events to a tamper-evident chain.
type Store interface {
	Append(ctx context.Context, e Event) (Event, error)
}

func normalize(e Event) Event {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.RecordedAt
	}
	if e.PartitionDay == "" {
		e.PartitionDay = e.RecordedAt.UTC().Format("2006-01-02")
	}
	return e
}
