package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/tideswap/tidewallet/internal/config"
	"github.com/tideswap/tidewallet/internal/payment"
	"github.com/tideswap/tidewallet/internal/storage"
	"github.com/tideswap/tidewallet/internal/swapscript"
)

// Virtual size estimates for fee quotes: a claim spends one P2WSH input
// to one P2WPKH output, a lockup funds one P2WSH output with change.
const (
	claimTxVBytes  = 138
	lockupTxVBytes = 153
)

// timeoutSafetyMargin is the minimum number of blocks that must remain
// before a swap's timeout for a new payment to be accepted. A swap opened
// closer to the boundary could see both claim and refund paths become
// spendable at once.
const timeoutSafetyMargin = 3

// EventPaymentUpdated is broadcast whenever a swap changes state.
const EventPaymentUpdated EventType = "payment_updated"

// feeQuoteSat quotes the fee for a transaction of the given virtual
// size, preferring the backend's live estimate over the configured rate.
func (s *Server) feeQuoteSat(ctx context.Context, vbytes uint64) uint64 {
	fallback := s.cfg.FeeRateSatPerVB
	if fallback <= 0 {
		fallback = 1.0
	}
	rate := s.engine.FeeRate(ctx, fallback)
	return uint64(math.Ceil(float64(rate) * float64(vbytes)))
}

// checkLimits validates an amount against the configured pair limits.
func (s *Server) checkLimits(amountSat uint64) error {
	if s.cfg.Limits.MinSat == 0 && s.cfg.Limits.MaxSat == 0 {
		return payment.ErrPairsNotFound
	}
	if !s.cfg.Limits.Contains(amountSat) {
		return payment.ErrAmountOutOfRange
	}
	return nil
}

type InfoResponse struct {
	BalanceSat        uint64 `json:"balanceSat"`
	PendingSendSat    uint64 `json:"pendingSendSat"`
	PendingReceiveSat uint64 `json:"pendingReceiveSat"`
	PubKey            string `json:"pubkey"`
	Fingerprint       string `json:"fingerprint"`
	TipHeight         uint32 `json:"tipHeight"`
	Chain             string `json:"chain"`
	Network           string `json:"network"`
}

func (s *Server) getInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	pubKey, err := s.engine.PubKey()
	if err != nil {
		return nil, err
	}
	fingerprint, err := s.engine.Fingerprint()
	if err != nil {
		return nil, err
	}
	chainParams := s.engine.Params()

	info := &InfoResponse{
		BalanceSat:  s.engine.Balance()[chainParams.NativeAssetID],
		PubKey:      pubKey,
		Fingerprint: fingerprint,
		TipHeight:   s.engine.Tip(),
		Chain:       string(chainParams.Chain),
		Network:     string(chainParams.Network),
	}

	swaps, err := s.store.ListSwaps(0, false)
	if err != nil {
		return nil, payment.ErrPersist
	}
	for _, swap := range swaps {
		if swap.State.IsTerminal() {
			continue
		}
		switch swap.Kind {
		case storage.SwapKindSend, storage.SwapKindChainSend:
			info.PendingSendSat += swap.PayerAmountSat
		case storage.SwapKindReceive, storage.SwapKindChainReceive:
			info.PendingReceiveSat += swap.ReceiverAmountSat
		}
	}
	return info, nil
}

type PrepareReceiveRequest struct {
	PayerAmountSat uint64 `json:"payerAmountSat"`
}

type PrepareReceiveResponse struct {
	PayerAmountSat uint64 `json:"payerAmountSat"`
	FeesSat        uint64 `json:"feesSat"`
}

func (s *Server) prepareReceivePayment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req PrepareReceiveRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, payment.NewGeneric("invalid params: %s", err)
	}
	if err := s.checkLimits(req.PayerAmountSat); err != nil {
		return nil, err
	}
	return &PrepareReceiveResponse{
		PayerAmountSat: req.PayerAmountSat,
		FeesSat:        s.feeQuoteSat(ctx, claimTxVBytes),
	}, nil
}

type ReceiveRequest struct {
	PayerAmountSat     uint64 `json:"payerAmountSat"`
	FeesSat            uint64 `json:"feesSat"`
	CounterpartyPubKey string `json:"counterpartyPubKey"`
	TimeoutHeight      uint32 `json:"timeoutHeight"`
	// PaymentHash and Preimage are hex. Both empty generates a fresh
	// preimage; a hash without a preimage is accepted as-is.
	PaymentHash string `json:"paymentHash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
}

type ReceiveResponse struct {
	ID            string `json:"id"`
	LockupAddress string `json:"lockupAddress"`
	PaymentHash   string `json:"paymentHash"`
	TimeoutHeight uint32 `json:"timeoutHeight"`
}

func (s *Server) receivePayment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req ReceiveRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, payment.NewGeneric("invalid params: %s", err)
	}
	if err := s.checkLimits(req.PayerAmountSat); err != nil {
		return nil, err
	}
	if req.FeesSat != s.feeQuoteSat(ctx, claimTxVBytes) {
		return nil, payment.ErrInvalidOrExpiredFees
	}
	counterpartyPub, err := parsePubKey(req.CounterpartyPubKey)
	if err != nil {
		return nil, err
	}
	if !config.IsSafeToComplete(s.engine.Tip(), req.TimeoutHeight, timeoutSafetyMargin) {
		return nil, payment.NewGeneric("timeout height %d is too close to the current tip", req.TimeoutHeight)
	}

	paymentHash, preimageHex, err := resolvePreimage(req.PaymentHash, req.Preimage)
	if err != nil {
		return nil, err
	}
	if err := s.rejectKnownPaymentHash(hex.EncodeToString(paymentHash)); err != nil {
		return nil, err
	}

	claimAddr, claimIndex, err := s.engine.NextUnusedAddress(ctx)
	if err != nil {
		return nil, err
	}
	claimPub, err := s.engine.PubKeyAt(claimIndex)
	if err != nil {
		return nil, err
	}
	chainParams := s.engine.Params()
	lockup, err := swapscript.BuildLockup(paymentHash, claimPub, counterpartyPub, req.TimeoutHeight, chainParams)
	if err != nil {
		return nil, payment.NewGeneric("build lockup: %s", err)
	}
	claimScript, err := chainParams.AddressScript(claimAddr)
	if err != nil {
		return nil, payment.NewGeneric("claim script: %s", err)
	}

	swap := &storage.SwapRecord{
		ID:                uuid.NewString(),
		Kind:              storage.SwapKindReceive,
		State:             storage.SwapStateCreated,
		PayerAmountSat:    req.PayerAmountSat,
		ReceiverAmountSat: req.PayerAmountSat - req.FeesSat,
		MaxFeeSat:         req.FeesSat,
		PaymentHash:       hex.EncodeToString(paymentHash),
		Preimage:          preimageHex,
		Leg: storage.SwapLeg{
			Chain:         string(chainParams.Chain),
			LockupScript:  lockup.ScriptPubKey(),
			ClaimScript:   claimScript,
			TimeoutHeight: req.TimeoutHeight,
		},
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveSwap(swap); err != nil {
		return nil, payment.ErrPersist
	}
	s.engine.WatchScript(lockup.ScriptPubKey())
	s.wsHub.Broadcast(EventPaymentUpdated, PaymentFromSwap(swap))

	return &ReceiveResponse{
		ID:            swap.ID,
		LockupAddress: lockup.Address,
		PaymentHash:   swap.PaymentHash,
		TimeoutHeight: req.TimeoutHeight,
	}, nil
}

type PrepareSendRequest struct {
	Invoice     string `json:"invoice"`
	AmountSat   uint64 `json:"amountSat"`
	PaymentHash string `json:"paymentHash"`
}

type PrepareSendResponse struct {
	AmountSat uint64 `json:"amountSat"`
	FeesSat   uint64 `json:"feesSat"`
}

func (s *Server) prepareSendPayment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req PrepareSendRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, payment.NewGeneric("invalid params: %s", err)
	}
	if err := validateInvoiceFields(req.Invoice, req.PaymentHash, req.AmountSat); err != nil {
		return nil, err
	}
	if err := s.checkLimits(req.AmountSat); err != nil {
		return nil, err
	}
	return &PrepareSendResponse{
		AmountSat: req.AmountSat,
		FeesSat:   s.feeQuoteSat(ctx, lockupTxVBytes),
	}, nil
}

type SendRequest struct {
	Invoice            string  `json:"invoice"`
	AmountSat          uint64  `json:"amountSat"`
	FeesSat            uint64  `json:"feesSat"`
	PaymentHash        string  `json:"paymentHash"`
	CounterpartyPubKey string  `json:"counterpartyPubKey"`
	TimeoutHeight      uint32  `json:"timeoutHeight"`
	FeeRateSatPerVB    float32 `json:"feeRateSatPerVB,omitempty"`
}

type SendResponse struct {
	ID      string `json:"id"`
	TxID    string `json:"txId"`
	FeesSat uint64 `json:"feesSat"`
}

func (s *Server) sendPayment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req SendRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, payment.NewGeneric("invalid params: %s", err)
	}
	if err := validateInvoiceFields(req.Invoice, req.PaymentHash, req.AmountSat); err != nil {
		return nil, err
	}
	if err := s.checkLimits(req.AmountSat); err != nil {
		return nil, err
	}
	if req.FeesSat != s.feeQuoteSat(ctx, lockupTxVBytes) {
		return nil, payment.ErrInvalidOrExpiredFees
	}
	counterpartyPub, err := parsePubKey(req.CounterpartyPubKey)
	if err != nil {
		return nil, err
	}
	if !config.IsSafeToComplete(s.engine.Tip(), req.TimeoutHeight, timeoutSafetyMargin) {
		return nil, payment.NewGeneric("timeout height %d is too close to the current tip", req.TimeoutHeight)
	}
	paymentHash, err := hex.DecodeString(req.PaymentHash)
	if err != nil || len(paymentHash) != 32 {
		return nil, payment.ErrInvalidInvoice
	}
	if err := s.rejectKnownPaymentHash(req.PaymentHash); err != nil {
		return nil, err
	}

	refundAddr, refundIndex, err := s.engine.NextUnusedAddress(ctx)
	if err != nil {
		return nil, err
	}
	refundPub, err := s.engine.PubKeyAt(refundIndex)
	if err != nil {
		return nil, err
	}
	chainParams := s.engine.Params()
	lockup, err := swapscript.BuildLockup(paymentHash, counterpartyPub, refundPub, req.TimeoutHeight, chainParams)
	if err != nil {
		return nil, payment.NewGeneric("build lockup: %s", err)
	}
	refundScript, err := chainParams.AddressScript(refundAddr)
	if err != nil {
		return nil, payment.NewGeneric("refund script: %s", err)
	}
	s.engine.WatchScript(lockup.ScriptPubKey())

	feeRate := req.FeeRateSatPerVB
	if feeRate <= 0 {
		feeRate = s.engine.FeeRate(ctx, s.cfg.FeeRateSatPerVB)
	}
	tx, details, err := s.engine.BuildTxOrDrainTx(ctx, feeRate, lockup.Address, chainParams.NativeAssetID, req.AmountSat)
	if err != nil {
		return nil, err
	}
	txID, err := s.engine.Broadcast(ctx, tx)
	if err != nil {
		return nil, err
	}

	swap := &storage.SwapRecord{
		ID:                uuid.NewString(),
		Kind:              storage.SwapKindSend,
		State:             storage.SwapStatePending,
		PayerAmountSat:    req.AmountSat + details.FeeSat,
		ReceiverAmountSat: req.AmountSat,
		MaxFeeSat:         req.FeesSat,
		Invoice:           req.Invoice,
		PaymentHash:       req.PaymentHash,
		Leg: storage.SwapLeg{
			Chain:         string(chainParams.Chain),
			LockupScript:  lockup.ScriptPubKey(),
			RefundScript:  refundScript,
			TimeoutHeight: req.TimeoutHeight,
			LockupTxID:    txID,
		},
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveSwap(swap); err != nil {
		return nil, payment.ErrPersist
	}
	s.wsHub.Broadcast(EventPaymentUpdated, PaymentFromSwap(swap))

	return &SendResponse{ID: swap.ID, TxID: txID, FeesSat: details.FeeSat}, nil
}

type ListPaymentsRequest struct {
	Limit           int  `json:"limit,omitempty"`
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

func (s *Server) listPayments(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req ListPaymentsRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, payment.NewGeneric("invalid params: %s", err)
		}
	}
	swaps, err := s.store.ListSwaps(req.Limit, req.IncludeArchived)
	if err != nil {
		return nil, payment.ErrPersist
	}
	payments := make([]payment.Payment, 0, len(swaps))
	for _, swap := range swaps {
		payments = append(payments, *PaymentFromSwap(swap))
	}
	return payments, nil
}

type BackupRequest struct {
	Path string `json:"path"`
}

func (s *Server) backup(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req BackupRequest
	if err := json.Unmarshal(params, &req); err != nil || req.Path == "" {
		return nil, payment.NewGeneric("backup path is required")
	}
	if err := s.store.BackupTo(req.Path); err != nil {
		s.log.Error("backup failed", "path", req.Path, "err", err)
		return nil, payment.ErrPersist
	}
	return map[string]string{"path": req.Path}, nil
}

type RestoreRequest struct {
	Path string `json:"path"`
}

func (s *Server) restore(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req RestoreRequest
	if err := json.Unmarshal(params, &req); err != nil || req.Path == "" {
		return nil, payment.NewGeneric("restore path is required")
	}
	if err := s.store.RestoreFrom(req.Path); err != nil {
		s.log.Error("restore failed", "path", req.Path, "err", err)
		return nil, payment.ErrPersist
	}
	// The restored records may be stale; reconcile them against the chain.
	if err := s.recoverer.Recover(ctx); err != nil {
		return nil, payment.NewGeneric("post-restore recovery: %s", err)
	}
	active, archived, err := s.store.SwapCount()
	if err != nil {
		return nil, payment.ErrPersist
	}
	return map[string]int{"activeSwaps": active, "archivedSwaps": archived}, nil
}

func (s *Server) emptyWalletCache(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.engine.EmptyWalletCache(); err != nil {
		return nil, err
	}
	return map[string]bool{"emptied": true}, nil
}

// rejectKnownPaymentHash refuses to create a second swap for a payment
// hash that already resolved.
func (s *Server) rejectKnownPaymentHash(paymentHash string) error {
	existing, err := s.store.GetSwapByPaymentHash(paymentHash)
	if err != nil {
		if err == storage.ErrSwapNotFound {
			return nil
		}
		return payment.ErrPersist
	}
	switch existing.State {
	case storage.SwapStateComplete:
		return payment.ErrAlreadyClaimed
	case storage.SwapStateRefunded:
		return payment.NewRefunded("swap already refunded", existing.Leg.RefundTxID)
	default:
		return payment.NewGeneric("swap %s already exists for this payment hash", existing.ID)
	}
}

// resolvePreimage returns the payment hash and preimage for a receive.
// With no hash given a fresh preimage is generated; a supplied preimage
// must match the supplied hash.
func resolvePreimage(paymentHashHex, preimageHex string) ([]byte, string, error) {
	if paymentHashHex == "" {
		preimage, paymentHash, err := swapscript.GeneratePreimage()
		if err != nil {
			return nil, "", payment.NewGeneric("generate preimage: %s", err)
		}
		return paymentHash, hex.EncodeToString(preimage), nil
	}
	paymentHash, err := hex.DecodeString(paymentHashHex)
	if err != nil || len(paymentHash) != 32 {
		return nil, "", payment.NewGeneric("payment hash must be 32 hex bytes")
	}
	if preimageHex == "" {
		return paymentHash, "", nil
	}
	preimage, err := hex.DecodeString(preimageHex)
	if err != nil || !swapscript.VerifyPreimage(preimage, paymentHash) {
		return nil, "", payment.ErrInvalidPreimage
	}
	return paymentHash, preimageHex, nil
}

func validateInvoiceFields(invoice, paymentHash string, amountSat uint64) error {
	if invoice == "" || paymentHash == "" || amountSat == 0 {
		return payment.ErrInvalidInvoice
	}
	if raw, err := hex.DecodeString(paymentHash); err != nil || len(raw) != 32 {
		return payment.ErrInvalidInvoice
	}
	return nil
}

func parsePubKey(pubKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, payment.NewGeneric("invalid counterparty public key: %s", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, payment.NewGeneric("invalid counterparty public key: %s", err)
	}
	return pub, nil
}

// PaymentFromSwap maps a persisted swap onto the caller-visible payment
// listing shape. The preimage is only exposed once the swap completed.
func PaymentFromSwap(swap *storage.SwapRecord) *payment.Payment {
	p := &payment.Payment{
		ID:          swap.ID,
		AmountSat:   swap.ReceiverAmountSat,
		FeesSat:     swap.MaxFeeSat,
		Invoice:     swap.Invoice,
		PaymentHash: swap.PaymentHash,
		TxID:        swap.Leg.LockupTxID,
		RefundTxID:  swap.Leg.RefundTxID,
		CreatedAt:   swap.CreatedAt,
		UpdatedAt:   swap.UpdatedAt,
	}
	switch swap.Kind {
	case storage.SwapKindReceive, storage.SwapKindChainReceive:
		p.Type = payment.TypeReceive
	default:
		p.Type = payment.TypeSend
	}
	switch swap.State {
	case storage.SwapStateCreated:
		p.Status = payment.StatusCreated
	case storage.SwapStateWaitingConfirmation, storage.SwapStatePending:
		p.Status = payment.StatusPending
	case storage.SwapStateComplete:
		p.Status = payment.StatusComplete
		p.Preimage = swap.Preimage
	case storage.SwapStateRefundable:
		p.Status = payment.StatusRefundable
	case storage.SwapStateRefunded:
		p.Status = payment.StatusRefunded
	default:
		p.Status = payment.StatusFailed
	}
	if swap.RemoteLeg != nil && p.RefundTxID == "" {
		p.RefundTxID = swap.RemoteLeg.RefundTxID
	}
	return p
}
