package payment

import "time"

// Type tells whether funds entered or left the wallet.
type Type string

const (
	TypeReceive Type = "receive"
	TypeSend    Type = "send"
)

// Status is the coarse lifecycle state reported to callers. It is derived
// from the underlying swap state, not stored independently.
type Status string

const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusRefundable Status = "refundable"
)

// Payment is one entry of the wallet's payment list: a swap-backed
// transfer plus the on-chain facts known about it so far.
type Payment struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Status      Status    `json:"status"`
	AmountSat   uint64    `json:"amountSat"`
	FeesSat     uint64    `json:"feesSat"`
	Invoice     string    `json:"invoice,omitempty"`
	PaymentHash string    `json:"paymentHash,omitempty"`
	Preimage    string    `json:"preimage,omitempty"`
	TxID        string    `json:"txId,omitempty"`
	RefundTxID  string    `json:"refundTxId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
