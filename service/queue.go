package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"zapps-voting/models"
	"zapps-voting/wallet"
)

// ErrQueueFull is returned when a vote cannot be queued without blocking.
var ErrQueueFull = errors.New("vote queue is full")

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("vote job not found")

// ErrQueueStopped is returned for votes queued after Stop, and recorded on
// jobs that were still waiting when the queue stopped.
var ErrQueueStopped = errors.New("vote queue is stopped")

// WorkflowFactory builds the workflow a queued vote runs through.
type WorkflowFactory func(targetID string, w wallet.Adapter) *VoteWorkflow

// QueueProcessor runs vote submissions on a pool of workers and keeps the
// status of every job observable by id.
type QueueProcessor struct {
	newWorkflow  WorkflowFactory
	voteCh       chan *VoteRequest
	jobs         cmap.ConcurrentMap[string, models.JobStatus]
	inflight     cmap.ConcurrentMap[string, string]
	workers      int
	processingWg sync.WaitGroup
	shutdownCh   chan struct{}
	cancel       context.CancelFunc
	log          logrus.FieldLogger

	// mu orders enqueue against Stop so nothing lands in voteCh after the
	// final drain.
	mu      sync.RWMutex
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// VoteRequest represents a queued vote
type VoteRequest struct {
	JobID    string
	TargetID string
	Rating   uint32
	Wallet   wallet.Adapter
	ResultCh chan<- *ProcessingResult
}

// ProcessingResult contains the result of an asynchronous vote
type ProcessingResult struct {
	JobID        string             `json:"job_id"`
	Success      bool               `json:"success"`
	Outcome      models.VoteOutcome `json:"outcome"`
	Result       *models.VoteResult `json:"result,omitempty"`
	ErrorMessage string             `json:"error,omitempty"`
	Timestamp    int64              `json:"timestamp"`
}

func NewQueueProcessor(factory WorkflowFactory, queueSize, workers int, logger logrus.FieldLogger) *QueueProcessor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 1
	}
	return &QueueProcessor{
		newWorkflow: factory,
		voteCh:      make(chan *VoteRequest, queueSize),
		jobs:        cmap.New[models.JobStatus](),
		inflight:    cmap.New[string](),
		workers:     workers,
		shutdownCh:  make(chan struct{}),
		log:         logger.WithField("component", "vote_queue"),
	}
}

// Start launches the workers. Jobs still running when Stop is called see
// their context cancelled.
func (qp *QueueProcessor) Start(ctx context.Context) {
	qp.startOnce.Do(func() {
		ctx, qp.cancel = context.WithCancel(ctx)
		for i := 0; i < qp.workers; i++ {
			qp.processingWg.Add(1)
			go qp.voteWorker(ctx)
		}
	})
}

// Stop gracefully shuts down the queue processor. Running jobs see their
// context cancelled; jobs still waiting are finished with ErrQueueStopped.
func (qp *QueueProcessor) Stop() {
	qp.stopOnce.Do(func() {
		qp.mu.Lock()
		qp.stopped = true
		close(qp.shutdownCh)
		qp.mu.Unlock()

		if qp.cancel != nil {
			qp.cancel()
		}
		qp.processingWg.Wait()

		for {
			select {
			case req := <-qp.voteCh:
				qp.deliver(req, qp.settle(req, models.VoteResult{}, ErrQueueStopped))
			default:
				return
			}
		}
	})
}

// QueueVote adds a vote to the processing queue. The returned channel
// receives exactly one result.
func (qp *QueueProcessor) QueueVote(targetID string, rating uint32, w wallet.Adapter) (string, <-chan *ProcessingResult, error) {
	resultCh := make(chan *ProcessingResult, 1)
	id, err := qp.enqueue(targetID, rating, w, resultCh)
	if err != nil {
		resultCh <- &ProcessingResult{JobID: id, ErrorMessage: err.Error()}
		close(resultCh)
	}
	return id, resultCh, err
}

// QueueVoteNoWait queues a vote whose progress is followed through Job.
func (qp *QueueProcessor) QueueVoteNoWait(targetID string, rating uint32, w wallet.Adapter) (string, error) {
	return qp.enqueue(targetID, rating, w, nil)
}

func (qp *QueueProcessor) enqueue(targetID string, rating uint32, w wallet.Adapter, resultCh chan<- *ProcessingResult) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	status := models.JobStatus{
		ID:        id,
		TargetID:  targetID,
		State:     models.StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	qp.mu.RLock()
	defer qp.mu.RUnlock()
	if qp.stopped {
		return id, ErrQueueStopped
	}

	qp.jobs.Set(id, status)
	select {
	case qp.voteCh <- &VoteRequest{JobID: id, TargetID: targetID, Rating: rating, Wallet: w, ResultCh: resultCh}:
		return id, nil
	default:
		qp.log.WithField("target", targetID).Warn("Vote queue is full, request dropped")
		qp.jobs.Remove(id)
		return id, ErrQueueFull
	}
}

// Job returns the status of a queued vote.
func (qp *QueueProcessor) Job(id string) (models.JobStatus, error) {
	status, ok := qp.jobs.Get(id)
	if !ok {
		return models.JobStatus{}, ErrJobNotFound
	}
	return status, nil
}

func (qp *QueueProcessor) update(id string, fn func(*models.JobStatus)) {
	qp.jobs.Upsert(id, models.JobStatus{}, func(exist bool, cur, _ models.JobStatus) models.JobStatus {
		if !exist {
			cur.ID = id
		}
		fn(&cur)
		cur.UpdatedAt = time.Now()
		return cur
	})
}

func (qp *QueueProcessor) voteWorker(ctx context.Context) {
	defer qp.processingWg.Done()

	for {
		// Shutdown wins over waiting work; Stop settles what is left.
		select {
		case <-qp.shutdownCh:
			return
		default:
		}

		select {
		case <-qp.shutdownCh:
			return
		case req := <-qp.voteCh:
			qp.deliver(req, qp.process(ctx, req))
		}
	}
}

func (qp *QueueProcessor) deliver(req *VoteRequest, res *ProcessingResult) {
	if req.ResultCh != nil {
		req.ResultCh <- res
		close(req.ResultCh)
	}
}

// settle marks a job done and builds its result.
func (qp *QueueProcessor) settle(req *VoteRequest, result models.VoteResult, err error) *ProcessingResult {
	res := &ProcessingResult{
		JobID:     req.JobID,
		Outcome:   result.Outcome,
		Timestamp: time.Now().Unix(),
	}
	if err != nil && res.Outcome == "" {
		res.Outcome = models.OutcomeFailed
	}
	if result.Outcome != "" {
		r := result
		res.Result = &r
	}
	if err != nil {
		res.ErrorMessage = err.Error()
	}
	res.Success = err == nil && res.Outcome != models.OutcomeFailed

	qp.update(req.JobID, func(s *models.JobStatus) {
		s.Done = true
		s.Outcome = res.Outcome
		s.Result = res.Result
		s.Error = res.ErrorMessage
	})
	return res
}

func (qp *QueueProcessor) process(ctx context.Context, req *VoteRequest) *ProcessingResult {
	if req.Wallet == nil {
		return qp.settle(req, models.VoteResult{Outcome: models.OutcomeFailed}, &models.WalletError{Op: "connect", Err: models.ErrWalletNotConnected})
	}

	// One submission per voter and target at a time.
	key := req.TargetID + "|" + req.Wallet.Address().Hex()
	if !qp.inflight.SetIfAbsent(key, req.JobID) {
		return qp.settle(req, models.VoteResult{Outcome: models.OutcomeFailed}, models.ErrWorkflowBusy)
	}
	defer qp.inflight.Remove(key)

	wf := qp.newWorkflow(req.TargetID, req.Wallet)
	wf.OnStateChange(func(s models.VoteState) {
		qp.update(req.JobID, func(st *models.JobStatus) { st.State = s })
	})

	result, err := wf.Submit(ctx, req.Rating)
	return qp.settle(req, result, err)
}
