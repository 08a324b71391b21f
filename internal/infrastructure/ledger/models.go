package ledger

import "time"

type seasonResponse struct {
	Number int64 `json:"number"`
}

type windowResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type balanceResponse struct {
	Amount int64 `json:"amount"`
}

type headResponse struct {
	Height int64 `json:"height"`
}

type ownerResponse struct {
	Owner string `json:"owner"`
}

// eventResponse carries one entry from the ledger's delegation event log.
// Kind is the discriminator; unrecognized kinds are quarantined by the
// caller rather than mapped by guessing field names.
type eventResponse struct {
	Kind        string    `json:"kind"`
	User        string    `json:"user"`
	Target      string    `json:"target"`
	Season      int64     `json:"season"`
	Amount      int64     `json:"amount"`
	TxHash      string    `json:"tx_hash"`
	BlockHeight int64     `json:"block_height"`
	LogIndex    int64     `json:"log_index"`
	Timestamp   time.Time `json:"timestamp"`
}

type transferRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

type delegationRequest struct {
	User   string `json:"user"`
	Target string `json:"target"`
	Amount int64  `json:"amount"`
}

type txResponse struct {
	TxHash string `json:"tx_hash"`
}

type txStatusResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
