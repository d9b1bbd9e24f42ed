// pkg/batch/coordinator.go
// Batch coordination: one session for the lifetime of a job, records
// processed strictly in input order, the session released exactly once
// whatever happens in between.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clawops/chargebot/internal/records"
	"github.com/clawops/chargebot/pkg/browser"
	"github.com/clawops/chargebot/pkg/pipeline"
)

// Lease is a borrowed session scoped to one job.
type Lease interface {
	Session() pipeline.Session
	Release()
}

// Pool hands out per-owner session leases.
type Pool interface {
	Acquire(ctx context.Context, ownerID string) (Lease, error)
}

// Processor runs the per-record submission machine.
type Processor interface {
	Process(ctx context.Context, sess pipeline.Session, rec records.Record, jobID string, index int) records.RecordResult
}

// WrapPool adapts the browser session pool to the coordinator's Pool.
func WrapPool(p *browser.Pool) Pool { return poolAdapter{p} }

type poolAdapter struct{ p *browser.Pool }

func (a poolAdapter) Acquire(ctx context.Context, ownerID string) (Lease, error) {
	h, err := a.p.Acquire(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return leaseAdapter{h}, nil
}

type leaseAdapter struct{ h *browser.Handle }

func (l leaseAdapter) Session() pipeline.Session { return l.h.Session() }
func (l leaseAdapter) Release()                  { l.h.Release() }

// Coordinator owns Job and RecordResult objects.
type Coordinator struct {
	logger *zap.Logger
	pool   Pool
	proc   Processor
}

func NewCoordinator(logger *zap.Logger, pool Pool, proc Processor) *Coordinator {
	return &Coordinator{logger: logger.Named("batch"), pool: pool, proc: proc}
}

// Run processes records in input order against one leased session and
// returns the job. Results preserve input order. A LOGIN_FAILED record
// aborts the job since nothing downstream can proceed without a session;
// caller cancellation aborts between records, never mid-step. Business
// failures stay on the results; only infrastructure failures that prevent
// the job from running at all (capacity, resource creation) come back as
// the error, alongside the aborted job.
func (c *Coordinator) Run(ctx context.Context, ownerID string, recs []records.Record) (*records.Job, error) {
	job := &records.Job{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Records:   recs,
		StartedAt: time.Now(),
	}
	log := c.logger.With(zap.String("job_id", job.ID), zap.String("owner_id", ownerID))
	log.Info("Job started.", zap.Int("records", len(recs)))
	defer func() {
		job.FinishedAt = time.Now()
		log.Info("Job finished.",
			zap.Int("success", job.SuccessCount()),
			zap.Int("failed", job.FailCount()),
			zap.Bool("aborted", job.Aborted))
	}()

	// A batch of wholly invalid records must not consume a session.
	if !anyValid(recs) {
		for _, rec := range recs {
			job.Results = append(job.Results, invalidResult(rec))
		}
		return job, nil
	}

	lease, err := c.pool.Acquire(ctx, ownerID)
	if err != nil {
		kind := pipeline.KindOf(err)
		if kind == "" {
			kind = pipeline.KindResourceCreateFailed
		}
		log.Error("Session acquisition failed; job aborted.",
			zap.String("kind", kind), zap.Error(err))
		job.Aborted = true
		job.AbortKind = kind
		return job, fmt.Errorf("acquiring session for %s: %w", ownerID, err)
	}
	defer lease.Release()

	for i, rec := range recs {
		if ctx.Err() != nil {
			log.Warn("Job cancelled between records.", zap.Int("processed", i))
			job.Aborted = true
			job.AbortKind = pipeline.KindCancelled
			break
		}
		res := c.proc.Process(ctx, lease.Session(), rec, job.ID, i)
		job.Results = append(job.Results, res)
		if res.ErrorKind == pipeline.KindLoginFailed {
			// Fatal for the whole job; the remaining records stay unprocessed.
			log.Error("Login exhausted; aborting job.", zap.Int("processed", i+1))
			job.Aborted = true
			job.AbortKind = res.ErrorKind
			break
		}
	}
	return job, nil
}

// Submit is the single-record convenience over Run.
func (c *Coordinator) Submit(ctx context.Context, ownerID string, rec records.Record) (records.RecordResult, error) {
	job, err := c.Run(ctx, ownerID, []records.Record{rec})
	if len(job.Results) > 0 {
		return job.Results[0], err
	}
	return records.RecordResult{
		Record:      rec,
		Status:      records.StatusFailed,
		ErrorKind:   job.AbortKind,
		ErrorDetail: "job aborted before the record was processed",
		Timestamp:   time.Now(),
	}, err
}

func anyValid(recs []records.Record) bool {
	for _, r := range recs {
		if r.Validate() == nil {
			return true
		}
	}
	return false
}

func invalidResult(rec records.Record) records.RecordResult {
	res := records.RecordResult{
		Record:    rec,
		Status:    records.StatusFailed,
		ErrorKind: pipeline.KindInvalidInput,
		Attempts:  1,
		Timestamp: time.Now(),
	}
	if err := rec.Validate(); err != nil {
		res.ErrorDetail = err.Error()
	}
	return res
}
