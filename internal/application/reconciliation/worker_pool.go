package reconciliation

import (
	"context"
	"sync"

	"3tcapital/ms_einvoice_core/internal/core/submission"
)

// Job is one record handed to a worker.
type Job struct {
	Submission submission.Submission
	Index      int
}

// Result is the outcome of reconciling one record.
type Result struct {
	SubmissionID string
	Status       submission.Status
	Changed      bool
	Err          error
	Index        int
}

// ProcessFunc reconciles a single record.
type ProcessFunc func(ctx context.Context, s *submission.Submission) (bool, error)

// WorkerPool reconciles records concurrently. A record is only ever handled
// by one worker.
type WorkerPool struct {
	workerCount int
	jobChan     chan Job
	resultChan  chan Result
	process     ProcessFunc
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewWorkerPool creates a pool of workerCount workers.
func NewWorkerPool(ctx context.Context, workerCount int, process ProcessFunc) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		workerCount: workerCount,
		jobChan:     make(chan Job, workerCount*2),
		resultChan:  make(chan Result, workerCount*2),
		process:     process,
		ctx:         poolCtx,
		cancel:      cancel,
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop closes the job queue, waits for the workers and closes Results.
func (p *WorkerPool) Stop() {
	close(p.jobChan)
	p.wg.Wait()
	p.cancel()
	close(p.resultChan)
}

// Submit queues a job.
func (p *WorkerPool) Submit(job Job) error {
	select {
	case p.jobChan <- job:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Results returns the channel for receiving results.
func (p *WorkerPool) Results() <-chan Result {
	return p.resultChan
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for job := range p.jobChan {
		rec := job.Submission
		changed, err := p.process(p.ctx, &rec)
		p.resultChan <- Result{
			SubmissionID: rec.ID,
			Status:       rec.Status,
			Changed:      changed,
			Err:          err,
			Index:        job.Index,
		}
	}
}

// ProcessAll runs every record through the pool and returns results in input order.
func (p *WorkerPool) ProcessAll(records []submission.Submission) []Result {
	results := make([]Result, len(records))
	if len(records) == 0 {
		p.cancel()
		return results
	}

	p.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range p.Results() {
			results[r.Index] = r
		}
	}()

	for i := range records {
		if err := p.Submit(Job{Submission: records[i], Index: i}); err != nil {
			for j := i; j < len(records); j++ {
				results[j] = Result{SubmissionID: records[j].ID, Status: records[j].Status, Err: err, Index: j}
			}
			break
		}
	}

	p.Stop()
	<-done
	return results
}
