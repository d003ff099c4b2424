// Package relayer drives decryption of encrypted rating aggregates with an
// automated signing account.
package relayer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"zapps-voting/chain"
	"zapps-voting/models"
	"zapps-voting/wallet"
)

const (
	DefaultInterval = 30 * time.Second
	stateLogSize    = 50
)

// Client requests decryption for targets and exposes the fast-decrypt
// short-circuit. Without a connected wallet it is unavailable and every
// signing operation fails with models.ErrRelayerUnavailable.
type Client struct {
	reader  *chain.Reader
	wallet  wallet.Adapter
	gateway Gateway

	watched  cmap.ConcurrentMap[string, struct{}]
	logs     *LogStream
	interval time.Duration
	log      logrus.FieldLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Options struct {
	// Interval between sweeps of the watched targets.
	Interval time.Duration
}

// NewClient builds a relayer. w and gateway may be nil.
func NewClient(reader *chain.Reader, w wallet.Adapter, gateway Gateway, opts Options, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	log := logger.WithField("component", "relayer")
	return &Client{
		reader:   reader,
		wallet:   w,
		gateway:  gateway,
		watched:  cmap.New[struct{}](),
		logs:     NewLogStream(log),
		interval: opts.Interval,
		log:      log,
	}
}

// IsAvailable is true only when a usable signing credential is loaded.
func (c *Client) IsAvailable() bool {
	return c.wallet != nil && c.wallet.Connected()
}

func (c *Client) Address() common.Address {
	if c.wallet == nil {
		return common.Address{}
	}
	return c.wallet.Address()
}

func (c *Client) Logs() *LogStream {
	return c.logs
}

// CheckTarget is the cheap status check.
func (c *Client) CheckTarget(ctx context.Context, targetID string) (models.TargetStatus, error) {
	agg, err := c.reader.GetTargetAggregate(ctx, targetID)
	if err != nil {
		c.logs.Append(models.EventError, map[string]interface{}{"target": targetID, "op": "check", "error": err.Error()})
		return models.TargetStatus{}, err
	}
	status := models.TargetStatus{
		TargetID:          targetID,
		Hash:              agg.Hash,
		Exists:            agg.Exists,
		TotalVotes:        agg.TotalVotes,
		DecryptedCount:    agg.DecryptedCount,
		PendingDecryption: agg.PendingDecryption(),
		Average:           agg.Average(),
	}
	c.logs.Append(models.EventTargetChecked, map[string]interface{}{
		"target":  targetID,
		"pending": status.PendingDecryption,
		"total":   status.TotalVotes,
	})
	return status, nil
}

// RequestDecryption submits a decryption request for the target's current
// encrypted aggregate and returns the request transaction hash. Completion
// is observed later through chain reads.
func (c *Client) RequestDecryption(ctx context.Context, targetID string) (common.Hash, error) {
	if !c.IsAvailable() {
		return common.Hash{}, models.ErrRelayerUnavailable
	}

	agg, err := c.reader.GetTargetAggregate(ctx, targetID)
	if err != nil {
		c.logs.Append(models.EventDecryptionFailed, map[string]interface{}{"target": targetID, "error": err.Error()})
		return common.Hash{}, err
	}
	data, err := chain.PackRequestDecryption(agg.Hash)
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := c.wallet.SignAndSend(ctx, wallet.TxRequest{To: c.reader.ContractAddress(), Data: data})
	if err != nil {
		c.logs.Append(models.EventDecryptionFailed, map[string]interface{}{"target": targetID, "error": err.Error()})
		return common.Hash{}, err
	}

	c.logs.Append(models.EventDecryptionRequested, map[string]interface{}{
		"target": targetID,
		"hash":   agg.Hash.Hex(),
		"tx":     tx.Hex(),
	})
	return tx, nil
}

// DecryptFast asks the gateway for already-available cleartext. It never
// fails: any problem is reported as Success=false.
func (c *Client) DecryptFast(ctx context.Context, targetID string) models.FastDecryptResult {
	if c.gateway == nil {
		return models.FastDecryptResult{}
	}

	agg, err := c.reader.GetTargetAggregate(ctx, targetID)
	if err != nil || !agg.Exists {
		c.logs.Append(models.EventFastDecryptMiss, map[string]interface{}{"target": targetID, "reason": "no aggregate"})
		return models.FastDecryptResult{}
	}

	values, err := c.gateway.FastDecrypt(ctx, agg.Hash)
	if err != nil || values.Count == 0 {
		reason := "empty"
		if err != nil {
			reason = err.Error()
		}
		c.logs.Append(models.EventFastDecryptMiss, map[string]interface{}{"target": targetID, "reason": reason})
		return models.FastDecryptResult{}
	}

	c.logs.Append(models.EventFastDecryptHit, map[string]interface{}{
		"target": targetID,
		"sum":    values.Sum,
		"count":  values.Count,
	})
	return models.FastDecryptResult{Success: true, ClearValues: &values}
}

// CheckAndDecrypt requests decryption only when the target has votes not
// yet decrypted. requested reports whether a transaction was sent.
func (c *Client) CheckAndDecrypt(ctx context.Context, targetID string) (tx common.Hash, requested bool, err error) {
	status, err := c.CheckTarget(ctx, targetID)
	if err != nil {
		return common.Hash{}, false, err
	}
	if status.PendingDecryption == 0 {
		c.logs.Append(models.EventNothingPending, map[string]interface{}{"target": targetID})
		return common.Hash{}, false, nil
	}

	tx, err = c.RequestDecryption(ctx, targetID)
	if err != nil {
		return common.Hash{}, false, err
	}
	return tx, true, nil
}

func (c *Client) Watch(targetIDs ...string) {
	for _, id := range targetIDs {
		if c.watched.SetIfAbsent(id, struct{}{}) {
			c.logs.Append(models.EventTargetWatched, map[string]interface{}{"target": id})
		}
	}
}

func (c *Client) Unwatch(targetID string) {
	if _, ok := c.watched.Pop(targetID); ok {
		c.logs.Append(models.EventTargetUnwatched, map[string]interface{}{"target": targetID})
	}
}

func (c *Client) Watched() []string {
	ids := c.watched.Keys()
	sort.Strings(ids)
	return ids
}

// Start launches the background sweep over watched targets. It is a no-op
// when already running.
func (c *Client) Start(ctx context.Context) error {
	if !c.IsAvailable() {
		return models.ErrRelayerUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	c.logs.Append(models.EventRelayerStarted, map[string]interface{}{
		"address":  c.Address().Hex(),
		"interval": c.interval.String(),
		"targets":  c.watched.Count(),
	})

	go c.loop(ctx, c.done)
	return nil
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.logs.Append(models.EventRelayerStopped, nil)
}

func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) State() models.RelayerState {
	return models.RelayerState{
		Available:      c.IsAvailable(),
		Address:        c.Address(),
		IsRunning:      c.IsRunning(),
		WatchedTargets: c.Watched(),
		LastActionLog:  c.logs.Tail(stateLogSize),
	}
}

// Sweep runs one pass of CheckAndDecrypt over every watched target and
// returns how many requests were sent.
func (c *Client) Sweep(ctx context.Context) int {
	sent := 0
	for _, id := range c.Watched() {
		if ctx.Err() != nil {
			break
		}
		_, requested, err := c.CheckAndDecrypt(ctx, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.WithError(err).WithField("target", id).Warn("Sweep failed for target")
			}
			continue
		}
		if requested {
			sent++
		}
	}
	return sent
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		// The parent context may end the loop without Stop.
		c.mu.Lock()
		if c.done == done {
			c.running = false
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}
