package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPClient talks to a ledger mirror endpoint over JSON POSTs, one route
// per operation.
type HTTPClient struct {
	Endpoint string
	HTTP     *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) post(ctx context.Context, route string, body any) (Receipt, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+route, bytes.NewReader(data))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Receipt{}, fmt.Errorf("ledger %s: status %d: %s", route, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var receipt Receipt
	if err := json.NewDecoder(res.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("ledger %s: decode receipt: %w", route, err)
	}
	return receipt, nil
}

func (c *HTTPClient) CommitGrievance(ctx context.Context, rec GrievanceRecord) (Receipt, error) {
	return c.post(ctx, "/grievances", rec)
}

func (c *HTTPClient) CommitBid(ctx context.Context, rec BidRecord) (Receipt, error) {
	return c.post(ctx, "/bids", rec)
}

func (c *HTTPClient) LockEscrow(ctx context.Context, rec EscrowRecord) (Receipt, error) {
	return c.post(ctx, "/escrows", rec)
}

func (c *HTTPClient) CommitCompletion(ctx context.Context, rec CompletionRecord) (Receipt, error) {
	return c.post(ctx, "/completions", rec)
}

func (c *HTTPClient) ConfirmRelease(ctx context.Context, rec ReleaseRecord) (Receipt, error) {
	return c.post(ctx, "/releases", rec)
}

// HTTPOracle reads the token conversion rate from a price endpoint.
type HTTPOracle struct {
	Endpoint string
	HTTP     *http.Client
}

func NewHTTPOracle(endpoint string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{Endpoint: endpoint, HTTP: &http.Client{Timeout: timeout}}
}

func (o *HTTPOracle) TokenRate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.Endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := o.HTTP.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle: status %d", res.StatusCode)
	}
	var body struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("oracle: decode rate: %w", err)
	}
	if body.Rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("oracle: non-positive rate %s", body.Rate)
	}
	return body.Rate, nil
}

// FixedOracle returns a constant rate. Used as the hard fallback when the
// price oracle is unreachable or unconfigured.
type FixedOracle struct {
	Rate decimal.Decimal
}

func (o FixedOracle) TokenRate(ctx context.Context) (decimal.Decimal, error) {
	return o.Rate, nil
}
