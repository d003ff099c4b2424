package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zapps-voting/chain"
	"zapps-voting/encryption"
	"zapps-voting/models"
	"zapps-voting/poll"
	"zapps-voting/relayer"
	"zapps-voting/storage"
	"zapps-voting/wallet"
)

// WorkflowConfig bounds the waits of a vote submission.
type WorkflowConfig struct {
	// PollInterval and PollAttempts bound the wait for decryption.
	PollInterval time.Duration
	PollAttempts int
	// FastDecryptEvery retries the relayer fast path on every Nth poll
	// attempt. Zero disables the retries.
	FastDecryptEvery int
	// Receipt bounds the wait for the vote transaction to be mined.
	Receipt poll.Bounded
	Sleep   poll.SleepFunc
}

func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		PollInterval:     2 * time.Second,
		PollAttempts:     30,
		FastDecryptEvery: 3,
		Receipt:          poll.Bounded{Interval: time.Second, Attempts: 60},
	}
}

// VoteWorkflow drives one user's vote on one target through
// idle → encrypting → signing → confirming → decrypting_average →
// getting_rating → success. A failure before the vote is mined resets to
// idle with the error; a mined vote is never rolled back.
type VoteWorkflow struct {
	targetID   string
	targetType models.TargetType

	reader   *chain.Reader
	receipts chain.ReceiptSource
	relayer  *relayer.Client
	cache    *storage.RatingCache
	wallet   wallet.Adapter
	metrics  *MetricsCollector
	cfg      WorkflowConfig
	log      logrus.FieldLogger

	mu         sync.Mutex
	state      models.VoteState
	submitting bool
	lastErr    error
	onState    func(models.VoteState)
	onResult   func(models.VoteResult)
}

// WorkflowDeps are the collaborators shared by every workflow.
type WorkflowDeps struct {
	Reader   *chain.Reader
	Receipts chain.ReceiptSource
	Relayer  *relayer.Client
	Cache    *storage.RatingCache
	Metrics  *MetricsCollector
	Logger   logrus.FieldLogger
}

func NewVoteWorkflow(targetID string, targetType models.TargetType, w wallet.Adapter, deps WorkflowDeps, cfg WorkflowConfig) *VoteWorkflow {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	def := DefaultWorkflowConfig()
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Receipt.Attempts <= 0 {
		cfg.Receipt = def.Receipt
	}
	if cfg.Receipt.Sleep == nil {
		cfg.Receipt.Sleep = cfg.Sleep
	}

	fields := logrus.Fields{"component": "vote_workflow", "target": targetID}
	if w != nil {
		fields["voter"] = w.Address().Hex()
	}

	return &VoteWorkflow{
		targetID:   targetID,
		targetType: targetType,
		reader:     deps.Reader,
		receipts:   deps.Receipts,
		relayer:    deps.Relayer,
		cache:      deps.Cache,
		wallet:     w,
		metrics:    deps.Metrics,
		cfg:        cfg,
		log:        logger.WithFields(fields),
		state:      models.StateIdle,
	}
}

// OnStateChange registers fn to be called on every transition.
func (w *VoteWorkflow) OnStateChange(fn func(models.VoteState)) {
	w.mu.Lock()
	w.onState = fn
	w.mu.Unlock()
}

// OnResult registers fn to be called once per submission that ends with a
// mined vote.
func (w *VoteWorkflow) OnResult(fn func(models.VoteResult)) {
	w.mu.Lock()
	w.onResult = fn
	w.mu.Unlock()
}

func (w *VoteWorkflow) State() models.VoteState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *VoteWorkflow) IsSubmitting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.submitting
}

func (w *VoteWorkflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *VoteWorkflow) setState(s models.VoteState) {
	w.mu.Lock()
	w.state = s
	fn := w.onState
	w.mu.Unlock()

	w.log.WithField("state", s).Debug("Vote workflow transition")
	if fn != nil {
		fn(s)
	}
}

// submission carries the bookkeeping of one Submit call.
type submission struct {
	started time.Time
	result  models.VoteResult
}

func (s *submission) visit(w *VoteWorkflow, state models.VoteState) {
	s.result.StatesVisited = append(s.result.StatesVisited, state)
	w.setState(state)
}

// Submit casts rating and follows it until the new average is known or
// the poll budget runs out. A vote that is mined but not yet decrypted
// returns Outcome=decryption_pending and a nil error. Submit refuses with
// models.ErrWorkflowBusy while another submission is in flight.
func (w *VoteWorkflow) Submit(ctx context.Context, rating uint32) (models.VoteResult, error) {
	w.mu.Lock()
	if w.submitting {
		w.mu.Unlock()
		return models.VoteResult{}, models.ErrWorkflowBusy
	}
	w.submitting = true
	w.lastErr = nil
	prev := w.state
	w.state = models.StateIdle
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.submitting = false
		w.mu.Unlock()
	}()

	if prev != models.StateIdle {
		w.setState(models.StateIdle)
	}

	sub := &submission{
		started: time.Now(),
		result: models.VoteResult{
			TargetID: w.targetID,
			Rating:   rating,
		},
	}
	if w.wallet != nil {
		sub.result.Voter = w.wallet.Address()
	}

	result, err := w.run(ctx, sub)
	if err != nil && result.Outcome == "" {
		return w.fail(sub, err)
	}
	return result, err
}

func (w *VoteWorkflow) run(ctx context.Context, sub *submission) (models.VoteResult, error) {
	// idle: preconditions
	if w.wallet == nil || !w.wallet.Connected() {
		return models.VoteResult{}, &models.WalletError{Op: "connect", Err: models.ErrWalletNotConnected}
	}
	params, err := w.reader.GetVotingParameters(ctx)
	if err != nil {
		return models.VoteResult{}, err
	}
	info, err := w.reader.GetUserVoteInfo(ctx, w.targetID, w.wallet.Address())
	if err != nil {
		return models.VoteResult{}, err
	}
	if info.VoteCount >= params.MaxVotesPerTarget {
		return models.VoteResult{}, fmt.Errorf("%w: %d of %d votes used", models.ErrVoteLimitReached, info.VoteCount, params.MaxVotesPerTarget)
	}
	before, err := w.reader.GetTargetAggregate(ctx, w.targetID)
	if err != nil {
		return models.VoteResult{}, err
	}
	// The average includes this vote once the decrypted count passes every
	// vote cast before it. A stale request fulfilled later does not.
	baseline := before.TotalVotes

	sub.visit(w, models.StateEncrypting)
	rating := sub.result.Rating
	if rating < params.MinRating || rating > params.MaxRating {
		return models.VoteResult{}, fmt.Errorf("%w: %d not in [%d, %d]", models.ErrInvalidRating, rating, params.MinRating, params.MaxRating)
	}
	data, err := chain.PackVote(encryption.DeriveTargetHash(w.targetID), rating, w.targetType)
	if err != nil {
		return models.VoteResult{}, err
	}
	price := params.PricePerVote
	if price == nil {
		price = new(big.Int)
	}
	balance, err := w.wallet.Balance(ctx)
	if err != nil {
		return models.VoteResult{}, asWalletError("balance", err)
	}
	if balance.Cmp(price) < 0 {
		return models.VoteResult{}, &models.WalletError{
			Op:  "balance",
			Err: fmt.Errorf("insufficient balance: have %s wei, vote costs %s wei", balance, price),
		}
	}

	sub.visit(w, models.StateSigning)
	tx, err := w.wallet.SignAndSend(ctx, wallet.TxRequest{To: w.reader.ContractAddress(), Data: data, Value: price})
	if err != nil {
		return models.VoteResult{}, asWalletError("sign", err)
	}
	sub.result.TxHash = tx

	sub.visit(w, models.StateConfirming)
	if _, err := chain.WaitForReceipt(ctx, w.receipts, tx, w.cfg.Receipt); err != nil {
		if errors.Is(err, chain.ErrReverted) {
			return models.VoteResult{}, &models.WalletError{Op: "confirm", Err: err}
		}
		return models.VoteResult{}, err
	}
	w.log.WithField("tx", tx.Hex()).Info("Vote confirmed")

	sub.visit(w, models.StateDecryptingAverage)
	values, attempts, fast, err := w.awaitDecryption(ctx, baseline)
	sub.result.PollAttempts = attempts
	if err != nil {
		return w.pending(sub, err)
	}
	sub.result.ResolvedFast = fast

	sub.visit(w, models.StateGettingRating)
	sub.result.Average = values.Average()
	sub.result.Count = values.Count
	sub.result.UniqueVoters = before.UniqueVoters
	if agg, err := w.reader.GetTargetAggregate(ctx, w.targetID); err != nil {
		w.log.WithError(err).Warn("Could not refresh unique voters after decryption")
	} else {
		sub.result.UniqueVoters = agg.UniqueVoters
	}

	if w.cache != nil {
		_, err := w.cache.Write(ctx, w.targetID, models.CachedRating{
			Average:      sub.result.Average,
			Count:        sub.result.Count,
			UniqueVoters: sub.result.UniqueVoters,
		})
		if err != nil {
			w.log.WithError(err).Warn("Failed to cache resolved rating")
		}
	}

	sub.visit(w, models.StateSuccess)
	sub.result.Outcome = models.OutcomeSuccess
	return w.finish(sub), nil
}

// awaitDecryption waits for a decrypted count above baseline, the total
// vote count seen before this vote. The relayer
// path is tried first when available, then the chain is polled with
// periodic fast-decrypt retries.
func (w *VoteWorkflow) awaitDecryption(ctx context.Context, baseline uint64) (models.ClearValues, int, bool, error) {
	useRelayer := w.relayer != nil && w.relayer.IsAvailable()

	if useRelayer {
		if _, err := w.relayer.RequestDecryption(ctx, w.targetID); err != nil {
			w.log.WithError(err).Warn("Relayer decryption request failed, falling back to polling")
		}
		if res := w.relayer.DecryptFast(ctx, w.targetID); res.Success && uint64(res.ClearValues.Count) > baseline {
			return *res.ClearValues, 0, true, nil
		}
	}

	var (
		resolved models.ClearValues
		fast     bool
	)
	b := poll.Bounded{Interval: w.cfg.PollInterval, Attempts: w.cfg.PollAttempts, Sleep: w.cfg.Sleep}
	attempts, err := b.Run(ctx, func(ctx context.Context, attempt int) bool {
		agg, err := w.reader.GetTargetAggregate(ctx, w.targetID)
		if err != nil {
			w.log.WithError(err).WithField("attempt", attempt).Debug("Decryption poll read failed")
		} else if uint64(agg.DecryptedCount) > baseline {
			resolved = models.ClearValues{Sum: agg.DecryptedSum, Count: agg.DecryptedCount}
			return true
		}

		if useRelayer && w.cfg.FastDecryptEvery > 0 && attempt%w.cfg.FastDecryptEvery == 0 {
			if res := w.relayer.DecryptFast(ctx, w.targetID); res.Success && uint64(res.ClearValues.Count) > baseline {
				resolved = *res.ClearValues
				fast = true
				return true
			}
		}
		return false
	})
	return resolved, attempts, fast, err
}

// pending ends a submission whose vote is mined but whose new average is
// not available yet.
func (w *VoteWorkflow) pending(sub *submission, cause error) (models.VoteResult, error) {
	sub.result.Outcome = models.OutcomeDecryptionPending
	w.log.WithFields(logrus.Fields{
		"tx":       sub.result.TxHash.Hex(),
		"attempts": sub.result.PollAttempts,
		"cause":    cause,
	}).Warn("Vote recorded, decryption pending")

	w.setState(models.StateIdle)
	result := w.finish(sub)
	if errors.Is(cause, poll.ErrExhausted) {
		return result, nil
	}
	return result, cause
}

func (w *VoteWorkflow) finish(sub *submission) models.VoteResult {
	sub.result.CompletedAt = time.Now()
	w.metrics.RecordVote(sub.result.Outcome, time.Since(sub.started), sub.result.PollAttempts)

	w.mu.Lock()
	fn := w.onResult
	w.mu.Unlock()
	if fn != nil {
		fn(sub.result)
	}
	return sub.result
}

func (w *VoteWorkflow) fail(sub *submission, err error) (models.VoteResult, error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()

	w.log.WithError(err).Warn("Vote submission failed")
	w.setState(models.StateIdle)

	sub.result.Outcome = models.OutcomeFailed
	sub.result.CompletedAt = time.Now()
	w.metrics.RecordVote(models.OutcomeFailed, time.Since(sub.started), 0)
	return sub.result, err
}

func asWalletError(op string, err error) error {
	var we *models.WalletError
	if errors.As(err, &we) {
		return err
	}
	return &models.WalletError{Op: op, Err: err}
}
