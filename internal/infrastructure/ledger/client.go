package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	resty "github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/curalabs/season-rewards-service/internal/domain"
	"github.com/curalabs/season-rewards-service/pkg/logger"
	"github.com/curalabs/season-rewards-service/pkg/metrics"
)

// Client talks to the authoritative ledger's RPC/indexer API. It is the
// only component that crosses the trust boundary; every amount in and out
// is an integer in minor units.
type Client struct {
	baseURL      string
	httpClient   *resty.Client
	logger       *logger.Logger
	rateLimiter  *rate.Limiter
	confirmDelay time.Duration
}

func NewClient(baseURL string, timeout time.Duration, maxRetries int, retryDelay time.Duration, log *logger.Logger) *Client {
	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(retryDelay).
		SetRetryMaxWaitTime(retryDelay * 3).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
		})

	return &Client{
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       log,
		rateLimiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		confirmDelay: 2 * time.Second,
	}
}

func (c *Client) get(ctx context.Context, op, path string, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(c.baseURL + path)

	duration := time.Since(start).Seconds()
	success := err == nil && resp.StatusCode() == 200
	metrics.RecordLedgerRequest(duration, success)

	if err != nil {
		return &domain.LedgerUnavailableError{Op: op, Err: err}
	}
	if resp.StatusCode() != 200 {
		return &domain.LedgerUnavailableError{
			Op:  op,
			Err: fmt.Errorf("unexpected status code %d: %s", resp.StatusCode(), string(resp.Body())),
		}
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetBody(body).
		Post(c.baseURL + path)

	duration := time.Since(start).Seconds()
	success := err == nil && resp.StatusCode() < 300
	metrics.RecordLedgerRequest(duration, success)

	if err != nil {
		return &domain.LedgerUnavailableError{Op: op, Err: err}
	}
	if resp.StatusCode() >= 300 {
		return &domain.LedgerUnavailableError{
			Op:  op,
			Err: fmt.Errorf("unexpected status code %d: %s", resp.StatusCode(), string(resp.Body())),
		}
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	return nil
}

func (c *Client) CurrentSeasonNumber(ctx context.Context) (int64, error) {
	var out seasonResponse
	if err := c.get(ctx, "current season", "/v1/seasons/current", &out); err != nil {
		return 0, err
	}
	return out.Number, nil
}

func (c *Client) SeasonWindow(ctx context.Context, season int64) (time.Time, time.Time, error) {
	var out windowResponse
	if err := c.get(ctx, "season window", fmt.Sprintf("/v1/seasons/%d/window", season), &out); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return out.Start, out.End, nil
}

func (c *Client) VotingPower(ctx context.Context, user string) (int64, error) {
	var out balanceResponse
	if err := c.get(ctx, "voting power", fmt.Sprintf("/v1/accounts/%s/voting-power", user), &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (c *Client) HeadBlock(ctx context.Context) (int64, error) {
	var out headResponse
	if err := c.get(ctx, "head block", "/v1/blocks/head", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *Client) TargetOwner(ctx context.Context, target string) (string, error) {
	var out ownerResponse
	if err := c.get(ctx, "target owner", fmt.Sprintf("/v1/targets/%s/owner", target), &out); err != nil {
		return "", err
	}
	return out.Owner, nil
}

// Events returns the delegation event log for (fromBlock, toBlock],
// ordered by (block_height, log_index). Events with an unknown kind fail
// the whole call; the synchronizer treats that as a tick abort.
func (c *Client) Events(ctx context.Context, fromBlock, toBlock int64) ([]domain.DelegationEvent, error) {
	var out []eventResponse
	path := fmt.Sprintf("/v1/events/delegations?from_block=%d&to_block=%d", fromBlock, toBlock)
	if err := c.get(ctx, "events", path, &out); err != nil {
		return nil, err
	}

	events := make([]domain.DelegationEvent, 0, len(out))
	for _, raw := range out {
		var direction domain.EventDirection
		switch raw.Kind {
		case "delegate":
			direction = domain.DirectionDelegate
		case "undelegate":
			direction = domain.DirectionUndelegate
		default:
			return nil, domain.NewValidationError(fmt.Sprintf("unknown event kind %q at block %d", raw.Kind, raw.BlockHeight))
		}

		events = append(events, domain.DelegationEvent{
			User:        raw.User,
			Target:      raw.Target,
			Season:      raw.Season,
			Amount:      raw.Amount,
			Direction:   direction,
			TxHash:      raw.TxHash,
			BlockHeight: raw.BlockHeight,
			LogIndex:    raw.LogIndex,
			Timestamp:   raw.Timestamp,
		})
	}

	c.logger.Debugw("Fetched delegation events", "from", fromBlock, "to", toBlock, "count", len(events))
	return events, nil
}

func (c *Client) SubmitTransfer(ctx context.Context, recipient string, amount int64) (string, error) {
	var out txResponse
	body := transferRequest{Recipient: recipient, Amount: amount}
	if err := c.post(ctx, "submit transfer", "/v1/transactions/transfer", body, &out); err != nil {
		return "", err
	}
	c.logger.Debugw("Submitted transfer", "recipient", recipient, "amount", amount, "txHash", out.TxHash)
	return out.TxHash, nil
}

func (c *Client) SubmitDelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	var out txResponse
	body := delegationRequest{User: user, Target: target, Amount: amount}
	if err := c.post(ctx, "submit delegation", "/v1/transactions/delegate", body, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *Client) SubmitUndelegation(ctx context.Context, user, target string, amount int64) (string, error) {
	var out txResponse
	body := delegationRequest{User: user, Target: target, Amount: amount}
	if err := c.post(ctx, "submit undelegation", "/v1/transactions/undelegate", body, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

// AwaitConfirmation polls the transaction status until it reaches a
// terminal state or the context expires. The caller bounds the wait with
// its confirmation timeout; expiry is reported as a LedgerUnavailableError
// so the row is retried rather than left sent-but-unknown.
func (c *Client) AwaitConfirmation(ctx context.Context, txHash string) (domain.TxReceipt, error) {
	for {
		var out txStatusResponse
		if err := c.get(ctx, "tx status", fmt.Sprintf("/v1/transactions/%s/status", txHash), &out); err != nil {
			return domain.TxReceipt{}, err
		}

		switch out.Status {
		case "confirmed":
			return domain.TxReceipt{TxHash: txHash, Status: domain.TxConfirmed}, nil
		case "failed":
			return domain.TxReceipt{TxHash: txHash, Status: domain.TxFailed, Error: out.Error}, nil
		}

		select {
		case <-ctx.Done():
			return domain.TxReceipt{}, &domain.LedgerUnavailableError{Op: "await confirmation", Err: ctx.Err()}
		case <-time.After(c.confirmDelay):
		}
	}
}
