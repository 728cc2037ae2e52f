package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// ResultPublisher is the slice of the broker the dispatcher needs.
type ResultPublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// WorkerProcessor turns one delivered broker message into one published
// verdict. Malformed payloads are logged and acked (they will never parse on
// redelivery); publish failures are transient so the delivery is requeued
// and the deterministic grader re-runs after redelivery.
type WorkerProcessor struct {
	grader      *Grader
	broker      ResultPublisher
	resultQueue string
	state       *HeartbeatState
}

func NewWorkerProcessor(grader *Grader, broker ResultPublisher, resultQueue string, state *HeartbeatState) *WorkerProcessor {
	return &WorkerProcessor{
		grader:      grader,
		broker:      broker,
		resultQueue: resultQueue,
		state:       state,
	}
}

// Handle is the consumer callback for one delivery.
func (p *WorkerProcessor) Handle(ctx context.Context, body []byte) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		log.Printf("[dispatcher] malformed job payload, acked: %v", err)
		return nil
	}
	if job.SubmissionID == "" {
		log.Printf("[dispatcher] job without submission_id, acked")
		return nil
	}

	if p.state != nil {
		p.state.JobStarted(job.SubmissionID)
	}
	verdict := p.grader.Grade(ctx, job)

	msg := ResultMessage{SubmissionID: job.SubmissionID, Result: verdict}
	payload, err := json.Marshal(msg)
	if err != nil {
		// Cannot happen with these types; treat as terminal if it does.
		p.finish(job.SubmissionID, err)
		return fmt.Errorf("marshal result for %s: %w", job.SubmissionID, err)
	}

	if err := p.broker.Publish(ctx, p.resultQueue, payload); err != nil {
		p.finish(job.SubmissionID, err)
		return Transient(fmt.Errorf("publish verdict for %s: %w", job.SubmissionID, err))
	}

	p.finish(job.SubmissionID, nil)
	log.Printf("[dispatcher] submission %s verdict=%s", job.SubmissionID, verdict.Status)
	return nil
}

func (p *WorkerProcessor) finish(submissionID string, err error) {
	if p.state != nil {
		p.state.JobFinished(submissionID, err)
	}
}
