package domain

import (
	"context"
	"time"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

type TxReceipt struct {
	TxHash string
	Status TxStatus
	Error  string
}

// LedgerGateway is the typed surface of the external authoritative ledger.
// All amounts are fixed-point integers in the smallest token unit.
type LedgerGateway interface {
	CurrentSeasonNumber(ctx context.Context) (int64, error)
	SeasonWindow(ctx context.Context, season int64) (time.Time, time.Time, error)
	VotingPower(ctx context.Context, user string) (int64, error)
	HeadBlock(ctx context.Context) (int64, error)
	Events(ctx context.Context, fromBlock, toBlock int64) ([]DelegationEvent, error)
	TargetOwner(ctx context.Context, target string) (string, error)
	SubmitTransfer(ctx context.Context, recipient string, amount int64) (string, error)
	SubmitDelegation(ctx context.Context, user, target string, amount int64) (string, error)
	SubmitUndelegation(ctx context.Context, user, target string, amount int64) (string, error)
	AwaitConfirmation(ctx context.Context, txHash string) (TxReceipt, error)
}
