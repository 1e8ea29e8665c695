package orchestrator

import (
	"context"

	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/redis"
)

// JobTypeSync is the stream message type for sync jobs.
const JobTypeSync = "sync_job"

// JobPublisher hands a queued job to the workers.
type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.SyncJob) error
}

// EventPublisher receives terminal job transitions.
type EventPublisher interface {
	PublishSyncEvent(ctx context.Context, evt models.SyncEvent) error
}

// StreamPublisher writes jobs to a Redis stream.
type StreamPublisher struct {
	streams *redis.Streams
	stream  string
}

func NewStreamPublisher(streams *redis.Streams, stream string) *StreamPublisher {
	return &StreamPublisher{streams: streams, stream: stream}
}

func (p *StreamPublisher) PublishJob(ctx context.Context, job *models.SyncJob) error {
	_, err := p.streams.Publish(ctx, p.stream, &redis.JobMessage{
		ID:          job.ID.String(),
		WorkspaceID: job.WorkspaceID.String(),
		Type:        JobTypeSync,
		Payload: map[string]any{
			"job_id":   job.ID.String(),
			"source":   job.Source,
			"job_type": string(job.JobType),
		},
	})
	return err
}
