package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zapps-voting/models"
)

// ErrNotReady is returned by a Gateway when the cleartext for a target is
// not available yet.
var ErrNotReady = errors.New("cleartext not available")

// Gateway is the off-chain path that returns already-decrypted aggregates.
type Gateway interface {
	FastDecrypt(ctx context.Context, target common.Hash) (models.ClearValues, error)
}

// HTTPGateway queries a decryption gateway at GET {base}/decrypt/{hash}.
type HTTPGateway struct {
	httpClient *http.Client
	baseURL    string
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type gatewayResponse struct {
	Sum   uint32 `json:"sum"`
	Count uint32 `json:"count"`
}

func (g *HTTPGateway) FastDecrypt(ctx context.Context, target common.Hash) (models.ClearValues, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/decrypt/"+target.Hex(), nil)
	if err != nil {
		return models.ClearValues{}, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return models.ClearValues{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusAccepted:
		return models.ClearValues{}, ErrNotReady
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(resp.Body)
		return models.ClearValues{}, fmt.Errorf("gateway error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ClearValues{}, fmt.Errorf("decode gateway response: %w", err)
	}
	return models.ClearValues{Sum: out.Sum, Count: out.Count}, nil
}
