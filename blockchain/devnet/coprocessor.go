package devnet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"zapps-voting/encryption"
	"zapps-voting/models"
	"zapps-voting/relayer"
)

// ProcessDecryptions fulfils every outstanding decryption request now and
// returns how many were fulfilled.
func (d *Devnet) ProcessDecryptions(ctx context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fulfilLocked(ctx, time.Time{}, true)
}

// PendingRequests is the number of requests the co-processor has not
// fulfilled yet.
func (d *Devnet) PendingRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// Start runs the co-processor until ctx is done, fulfilling each request
// DecryptionDelay after it was made. With a zero delay Start does nothing.
func (d *Devnet) Start(ctx context.Context) {
	if d.cfg.DecryptionDelay <= 0 {
		return
	}
	tick := d.cfg.DecryptionDelay / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}

	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.mu.Lock()
				d.fulfilLocked(ctx, d.now().Add(-d.cfg.DecryptionDelay), false)
				d.mu.Unlock()
			}
		}
	}()
}

// fulfilLocked processes requests made at or before cutoff, or all of them.
// Decrypted counters only ever move forward.
func (d *Devnet) fulfilLocked(ctx context.Context, cutoff time.Time, all bool) int {
	remaining := d.requests[:0]
	done := 0
	for _, req := range d.requests {
		if !all && req.requestedAt.After(cutoff) {
			remaining = append(remaining, req)
			continue
		}
		done++

		record := models.TxRecord{TxHash: req.tx, Method: methodFulfilDecrypt, Target: req.target}
		values, err := d.decrypt(req.cipher)
		if err != nil {
			record.Reverted = true
			record.Reason = err.Error()
			d.log.WithError(err).WithField("target", req.target.Hex()).Error("Co-processor decryption failed")
			d.mineLocked(ctx, record)
			continue
		}

		t := d.targets[req.target]
		if values.Count > t.decCount {
			t.decSum = values.Sum
			t.decCount = values.Count
			t.lastDecrypt = d.now()
		}
		d.mineLocked(ctx, record)

		d.log.WithFields(logrus.Fields{
			"target": req.target.Hex(),
			"sum":    values.Sum,
			"count":  values.Count,
		}).Debug("Decryption fulfilled")
	}
	d.requests = remaining
	return done
}

func (d *Devnet) decrypt(c ciphertexts) (models.ClearValues, error) {
	sum, err := encryption.DecryptUint32(d.scheme, c.sum)
	if err != nil {
		return models.ClearValues{}, err
	}
	count, err := encryption.DecryptUint32(d.scheme, c.count)
	if err != nil {
		return models.ClearValues{}, err
	}
	return models.ClearValues{Sum: sum, Count: count}, nil
}

// FastDecrypt returns the cleartext of the handles most recently marked
// for decryption, without waiting for the co-processor to publish them
// on-chain. It satisfies relayer.Gateway.
func (d *Devnet) FastDecrypt(_ context.Context, target common.Hash) (models.ClearValues, error) {
	d.mu.Lock()
	t, ok := d.targets[target]
	var c ciphertexts
	if ok && t.requested != nil {
		c = *t.requested
	}
	d.mu.Unlock()

	if !ok || c.sum == nil {
		return models.ClearValues{}, relayer.ErrNotReady
	}
	return d.decrypt(c)
}

// GatewayHandler serves FastDecrypt at GET /decrypt/{hash} in the format
// relayer.HTTPGateway expects.
func (d *Devnet) GatewayHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/decrypt/{hash}", func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "hash")
		if len(common.FromHex(raw)) != common.HashLength {
			http.Error(w, "invalid target hash", http.StatusBadRequest)
			return
		}

		values, err := d.FastDecrypt(r.Context(), common.HexToHash(raw))
		if errors.Is(err, relayer.ErrNotReady) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]uint32{"sum": values.Sum, "count": values.Count})
	})
	return r
}
