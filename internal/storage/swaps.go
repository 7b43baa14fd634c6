package storage

// Swap record persistence. Records are the single source of truth for
// swap lifecycle state; recovery handlers recompute the state column
// from on-chain history and hand updated records back for atomic
// replacement by id.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Swap persistence errors
var (
	ErrSwapNotFound = errors.New("swap not found")
)

// SwapKind tags the four swap shapes.
type SwapKind string

const (
	SwapKindReceive      SwapKind = "receive"
	SwapKindSend         SwapKind = "send"
	SwapKindChainReceive SwapKind = "chain_receive"
	SwapKindChainSend    SwapKind = "chain_send"
)

// SwapState is the lifecycle state of a swap. Transitions are a pure
// function of (observed txids, confirmations, tip), so recomputation is
// idempotent.
type SwapState string

const (
	SwapStateCreated             SwapState = "created"
	SwapStateWaitingConfirmation SwapState = "waiting_confirmation"
	SwapStatePending             SwapState = "pending"
	SwapStateComplete            SwapState = "complete"
	SwapStateRefundable          SwapState = "refundable"
	SwapStateRefunded            SwapState = "refunded"
	SwapStateExpired             SwapState = "expired"
	SwapStateFailed              SwapState = "failed"
)

// IsTerminal reports whether the state is absorbing.
func (s SwapState) IsTerminal() bool {
	switch s {
	case SwapStateComplete, SwapStateRefunded, SwapStateExpired, SwapStateFailed:
		return true
	}
	return false
}

// SwapLeg holds the script material and observed txids of one chain leg.
// Chain swaps carry two legs; receive/send swaps carry one.
type SwapLeg struct {
	Chain         string `json:"chain"`
	LockupScript  []byte `json:"lockupScript,omitempty"`
	ClaimScript   []byte `json:"claimScript,omitempty"`
	RefundScript  []byte `json:"refundScript,omitempty"`
	TimeoutHeight uint32 `json:"timeoutHeight"`
	LockupTxID    string `json:"lockupTxId,omitempty"`
	ClaimTxID     string `json:"claimTxId,omitempty"`
	RefundTxID    string `json:"refundTxId,omitempty"`
}

// SwapRecord is a persisted swap.
type SwapRecord struct {
	// Identity
	ID   string   `json:"id"`
	Kind SwapKind `json:"kind"`

	// State
	State         SwapState `json:"state"`
	FailureReason string    `json:"failureReason,omitempty"`

	// Amounts and fee bounds
	PayerAmountSat    uint64 `json:"payerAmountSat"`
	ReceiverAmountSat uint64 `json:"receiverAmountSat"`
	MaxFeeSat         uint64 `json:"maxFeeSat"`

	// Payment material
	Invoice     string `json:"invoice,omitempty"`
	PaymentHash string `json:"paymentHash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`

	// Script material and observed txids. Leg is the wallet-side leg;
	// RemoteLeg is set for chain swaps only.
	Leg       SwapLeg  `json:"leg"`
	RemoteLeg *SwapLeg `json:"remoteLeg,omitempty"`

	// Archived is set once the swap reaches a terminal state. Archived
	// swaps stay queryable but are skipped by recovery.
	Archived bool `json:"archived"`

	// Timing
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// SaveSwap saves or updates a swap record atomically by id. Terminal
// records are archived, never deleted.
func (s *Storage) SaveSwap(swap *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now
	if swap.State.IsTerminal() {
		swap.Archived = true
		if swap.CompletedAt.IsZero() {
			swap.CompletedAt = now
		}
	}

	legJSON, err := json.Marshal(swap.Leg)
	if err != nil {
		return fmt.Errorf("encode leg: %w", err)
	}
	var remoteLegJSON sql.NullString
	if swap.RemoteLeg != nil {
		data, err := json.Marshal(swap.RemoteLeg)
		if err != nil {
			return fmt.Errorf("encode remote leg: %w", err)
		}
		remoteLegJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO swaps (
			id, kind, state, failure_reason,
			payer_amount_sat, receiver_amount_sat, max_fee_sat,
			invoice, payment_hash, preimage,
			leg, remote_leg, archived,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			failure_reason = excluded.failure_reason,
			payer_amount_sat = excluded.payer_amount_sat,
			receiver_amount_sat = excluded.receiver_amount_sat,
			max_fee_sat = excluded.max_fee_sat,
			invoice = excluded.invoice,
			payment_hash = excluded.payment_hash,
			preimage = excluded.preimage,
			leg = excluded.leg,
			remote_leg = excluded.remote_leg,
			archived = excluded.archived,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`
	_, err = s.db.Exec(query,
		swap.ID,
		string(swap.Kind),
		string(swap.State),
		swap.FailureReason,
		swap.PayerAmountSat,
		swap.ReceiverAmountSat,
		swap.MaxFeeSat,
		swap.Invoice,
		swap.PaymentHash,
		swap.Preimage,
		string(legJSON),
		remoteLegJSON,
		swap.Archived,
		swap.CreatedAt.Unix(),
		swap.UpdatedAt.Unix(),
		timeToUnixOrZero(swap.CompletedAt),
	)
	return err
}

const swapColumns = `
	id, kind, state, failure_reason,
	payer_amount_sat, receiver_amount_sat, max_fee_sat,
	invoice, payment_hash, preimage,
	leg, remote_leg, archived,
	created_at, updated_at, completed_at
`

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(id string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id)
	return scanSwapRecord(row)
}

// GetSwapByPaymentHash retrieves a swap by its payment hash.
func (s *Storage) GetSwapByPaymentHash(paymentHash string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE payment_hash = ?`, paymentHash)
	return scanSwapRecord(row)
}

// ListRecoverableSwaps returns all non-archived swaps, oldest first.
// These are the swaps recovery reconciles on every scan.
func (s *Storage) ListRecoverableSwaps() ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT ` + swapColumns + ` FROM swaps
		WHERE archived = 0
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSwaps(rows)
}

// ListSwaps returns swaps newest first, optionally including archived
// ones. limit <= 0 means no limit.
func (s *Storage) ListSwaps(limit int, includeArchived bool) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + ` FROM swaps`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSwaps(rows)
}

// SwapCount returns the number of active and archived swaps.
func (s *Storage) SwapCount() (active, archived int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT COUNT(*) FROM swaps WHERE archived = 0`).Scan(&active)
	if err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM swaps WHERE archived = 1`).Scan(&archived)
	return active, archived, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapRecord(row rowScanner) (*SwapRecord, error) {
	var (
		swap          SwapRecord
		kind, state   string
		legJSON       string
		remoteLegJSON sql.NullString
		createdAt     int64
		updatedAt     int64
		completedAt   int64
	)
	err := row.Scan(
		&swap.ID, &kind, &state, &swap.FailureReason,
		&swap.PayerAmountSat, &swap.ReceiverAmountSat, &swap.MaxFeeSat,
		&swap.Invoice, &swap.PaymentHash, &swap.Preimage,
		&legJSON, &remoteLegJSON, &swap.Archived,
		&createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, err
	}

	swap.Kind = SwapKind(kind)
	swap.State = SwapState(state)
	if err := json.Unmarshal([]byte(legJSON), &swap.Leg); err != nil {
		return nil, fmt.Errorf("decode leg: %w", err)
	}
	if remoteLegJSON.Valid {
		var leg SwapLeg
		if err := json.Unmarshal([]byte(remoteLegJSON.String), &leg); err != nil {
			return nil, fmt.Errorf("decode remote leg: %w", err)
		}
		swap.RemoteLeg = &leg
	}
	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)
	swap.CompletedAt = unixToTimeOrZero(completedAt)
	return &swap, nil
}

func collectSwaps(rows *sql.Rows) ([]*SwapRecord, error) {
	var swaps []*SwapRecord
	for rows.Next() {
		swap, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}
