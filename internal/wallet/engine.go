// Package wallet implements the onchain wallet engine: the single point
// of serialization around the descriptor wallet. It builds, signs and
// finalizes transactions, hands out addresses with reservation reuse,
// runs the self-healing full scan, and signs/verifies messages in the
// Lightning convention.
package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/tv42/zbase32"

	"github.com/tideswap/tidewallet/internal/chain"
	"github.com/tideswap/tidewallet/internal/descriptor"
	"github.com/tideswap/tidewallet/internal/payment"
	"github.com/tideswap/tidewallet/internal/signer"
	"github.com/tideswap/tidewallet/internal/storage"
	"github.com/tideswap/tidewallet/pkg/logging"
)

// messagePrefix is the domain separation prefix of the Lightning message
// signing convention.
const messagePrefix = "Lightning Signed Message:"

// scanIndexBuffer widens the scan ceiling past the last known derivation
// index so addresses derived just ahead of a checkpoint are still
// discovered.
const scanIndexBuffer = 5

// Engine owns the descriptor wallet and the lazily-created network
// client, each behind its own lock. All wallet-mutating operations hold
// walletMu for their full duration.
type Engine struct {
	persister *storage.Storage

	walletMu sync.Mutex
	wallet   *descriptor.Wallet
	store    *descriptor.Store
	desc     *descriptor.Descriptor

	clientMu  sync.Mutex
	client    descriptor.NetworkClient
	newClient func() (descriptor.NetworkClient, error)

	sgn               signer.Signer
	chainParams       *chain.Params
	reservationBlocks uint32
	log               *logging.Logger
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Signer            signer.Signer
	Params            *chain.Params
	Persister         *storage.Storage
	WalletCacheDir    string
	NewClient         func() (descriptor.NetworkClient, error)
	ReservationBlocks uint32
}

// NewEngine opens the descriptor wallet from the cache directory. A
// corrupt snapshot is wiped and reopened fresh rather than failing
// startup.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	xpub, err := cfg.Signer.AccountXpub()
	if err != nil {
		return nil, payment.NewSigner(err)
	}
	fp, err := cfg.Signer.Fingerprint()
	if err != nil {
		return nil, payment.NewSigner(err)
	}
	desc, err := descriptor.NewDescriptor(xpub, fp, cfg.Params)
	if err != nil {
		return nil, payment.NewGeneric("build descriptor: %s", err)
	}
	store, err := descriptor.NewStore(cfg.WalletCacheDir)
	if err != nil {
		return nil, payment.NewGeneric("open wallet store: %s", err)
	}

	log := logging.GetDefault().Component("engine")
	w, err := descriptor.NewWallet(desc, store)
	if err != nil {
		// Wipe-and-retry: a snapshot we cannot read is recreated from
		// scratch; the chain is the source of truth.
		log.Warn("wallet snapshot unreadable, recreating", "err", err)
		if wipeErr := store.Wipe(); wipeErr != nil {
			return nil, payment.NewGeneric("wipe wallet store: %s", wipeErr)
		}
		w, err = descriptor.NewWallet(desc, store)
		if err != nil {
			return nil, payment.NewGeneric("reopen wallet: %s", err)
		}
	}

	reservationBlocks := cfg.ReservationBlocks
	if reservationBlocks == 0 {
		reservationBlocks = 6
	}

	return &Engine{
		persister:         cfg.Persister,
		wallet:            w,
		store:             store,
		desc:              desc,
		newClient:         cfg.NewClient,
		sgn:               cfg.Signer,
		chainParams:       cfg.Params,
		reservationBlocks: reservationBlocks,
		log:               log,
	}, nil
}

// Params returns the engine's chain parameters.
func (e *Engine) Params() *chain.Params {
	return e.chainParams
}

// Tip returns the last synced chain tip.
func (e *Engine) Tip() uint32 {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	return e.wallet.Tip()
}

// Balance returns the wallet balance per asset.
func (e *Engine) Balance() map[string]uint64 {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	return e.wallet.Balance()
}

// Transactions returns the wallet's full local transaction index.
func (e *Engine) Transactions() ([]descriptor.Tx, error) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	return e.wallet.Transactions(), nil
}

// PubKeyAt returns the wallet public key at a derivation index. Swap
// scripts use the key behind the reserved address as their claim or
// refund key.
func (e *Engine) PubKeyAt(index uint32) (*btcec.PublicKey, error) {
	pubBytes, err := e.desc.PubKeyAt(index)
	if err != nil {
		return nil, payment.NewSigner(err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return nil, payment.NewSigner(err)
	}
	return pub, nil
}

// TransactionsByTxID returns the local transaction index keyed by txid.
func (e *Engine) TransactionsByTxID() (map[string]descriptor.Tx, error) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	txs := e.wallet.Transactions()
	byID := make(map[string]descriptor.Tx, len(txs))
	for _, tx := range txs {
		byID[tx.TxID] = tx
	}
	return byID, nil
}

// WatchScript registers a swap script for indexing by the next scan.
func (e *Engine) WatchScript(scriptPubKey []byte) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	e.wallet.WatchScript(scriptPubKey)
}

// BuildTx constructs, signs and finalizes a transaction paying amountSat
// of assetID to recipient. feeRateSatPerVB 0 uses the default rate.
func (e *Engine) BuildTx(ctx context.Context, feeRateSatPerVB float32, recipient, assetID string, amountSat uint64) (*wire.MsgTx, *descriptor.PsetDetails, error) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	return e.buildTxLocked(feeRateSatPerVB, recipient, assetID, amountSat)
}

func (e *Engine) buildTxLocked(feeRateSatPerVB float32, recipient, assetID string, amountSat uint64) (*wire.MsgTx, *descriptor.PsetDetails, error) {
	script, err := e.recipientScript(recipient)
	if err != nil {
		return nil, nil, err
	}
	packet, details, err := e.wallet.NewTxBuilder().
		FeeRate(feeRateSatPerVB).
		AddRecipient(script, assetID, amountSat).
		Finish()
	if err != nil {
		if errors.Is(err, descriptor.ErrInsufficientFunds) {
			return nil, nil, payment.ErrInsufficientFunds
		}
		return nil, nil, payment.NewLwk(err)
	}
	tx, err := e.signAndFinalize(packet)
	if err != nil {
		return nil, nil, err
	}
	return tx, details, nil
}

// BuildDrainTx builds a transaction spending the entire native-asset
// balance to recipient. With enforceAmountSat set, the transaction's net
// outflow (spend minus fee) must equal it exactly.
func (e *Engine) BuildDrainTx(ctx context.Context, feeRateSatPerVB float32, recipient string, enforceAmountSat *uint64) (*wire.MsgTx, *descriptor.PsetDetails, error) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	return e.buildDrainTxLocked(feeRateSatPerVB, recipient, enforceAmountSat)
}

func (e *Engine) buildDrainTxLocked(feeRateSatPerVB float32, recipient string, enforceAmountSat *uint64) (*wire.MsgTx, *descriptor.PsetDetails, error) {
	script, err := e.recipientScript(recipient)
	if err != nil {
		return nil, nil, err
	}
	packet, details, err := e.wallet.NewTxBuilder().
		FeeRate(feeRateSatPerVB).
		DrainTo(script).
		Finish()
	if err != nil {
		if errors.Is(err, descriptor.ErrInsufficientFunds) {
			return nil, nil, payment.ErrInsufficientFunds
		}
		return nil, nil, payment.NewLwk(err)
	}

	if enforceAmountSat != nil {
		netOutflow := details.NetOutflow(e.chainParams.NativeAssetID)
		if netOutflow != *enforceAmountSat {
			return nil, nil, payment.NewGeneric(
				"drain amount mismatch: built %d sat, expected %d sat", netOutflow, *enforceAmountSat)
		}
	}

	tx, err := e.signAndFinalize(packet)
	if err != nil {
		return nil, nil, err
	}
	return tx, details, nil
}

// BuildTxOrDrainTx tries BuildTx and, on InsufficientFunds for the
// native asset only, retries as a drain enforcing the requested amount.
// Draining is only a safe substitute when the shortfall is in the
// fee-paying asset itself.
func (e *Engine) BuildTxOrDrainTx(ctx context.Context, feeRateSatPerVB float32, recipient, assetID string, amountSat uint64) (*wire.MsgTx, *descriptor.PsetDetails, error) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()

	tx, details, err := e.buildTxLocked(feeRateSatPerVB, recipient, assetID, amountSat)
	if err == nil {
		return tx, details, nil
	}
	if !payment.IsKind(err, payment.KindInsufficientFunds) || assetID != e.chainParams.NativeAssetID {
		return nil, nil, err
	}
	e.log.Debug("insufficient funds, retrying as drain", "amount_sat", amountSat)
	enforce := amountSat
	return e.buildDrainTxLocked(feeRateSatPerVB, recipient, &enforce)
}

// Broadcast submits a finalized transaction via the shared client.
func (e *Engine) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	client, err := e.networkClient(ctx)
	if err != nil {
		return "", err
	}
	txID, err := client.Broadcast(ctx, tx)
	if err != nil {
		return "", payment.NewSend("%s", err)
	}
	return txID, nil
}

// NextUnusedAddress returns an expired reserved address when one exists,
// otherwise derives a fresh index, reserves it, and advances the
// persisted last-derivation-index. Two calls never return the same index
// while its reservation is live.
func (e *Engine) NextUnusedAddress(ctx context.Context) (string, uint32, error) {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()

	tip := e.wallet.Tip()
	if reserved, err := e.persister.NextExpiredReservedAddress(tip); err != nil {
		return "", 0, payment.ErrPersist
	} else if reserved != nil {
		// Reservation reuse: re-reserve with a fresh expiry, do not
		// advance the last-derivation-index.
		renewed := &storage.ReservedAddress{
			Address:           reserved.Address,
			DerivationIndex:   reserved.DerivationIndex,
			ExpiryBlockHeight: tip + e.reservationBlocks,
		}
		if err := e.persister.ReserveAddress(renewed); err != nil {
			return "", 0, payment.ErrPersist
		}
		e.log.Debug("reusing expired reservation", "index", reserved.DerivationIndex)
		return reserved.Address, reserved.DerivationIndex, nil
	}

	index := e.wallet.NextUnusedIndex()
	if last, err := e.persister.GetLastDerivationIndex(); err != nil {
		return "", 0, payment.ErrPersist
	} else if last != nil && *last+1 > index {
		index = *last + 1
	}

	addr, err := e.wallet.AddressAt(index)
	if err != nil {
		return "", 0, payment.NewLwk(err)
	}
	encoded := addr.EncodeAddress()

	if err := e.persister.ReserveAddress(&storage.ReservedAddress{
		Address:           encoded,
		DerivationIndex:   index,
		ExpiryBlockHeight: tip + e.reservationBlocks,
	}); err != nil {
		return "", 0, payment.ErrPersist
	}
	if err := e.persister.SetLastDerivationIndex(index); err != nil {
		return "", 0, payment.ErrPersist
	}
	return encoded, index, nil
}

// FullScan syncs the wallet's local index against the chain up to the
// last known derivation index plus a safety buffer. A store reporting a
// height regression is recreated from scratch and the scan retried once.
// On success the pre-scan derivation index is persisted as the scan
// checkpoint so the next scan's buffer still covers indices derived just
// before this one.
func (e *Engine) FullScan(ctx context.Context) error {
	client, err := e.networkClient(ctx)
	if err != nil {
		return err
	}

	e.walletMu.Lock()
	defer e.walletMu.Unlock()

	preScanIndex := e.lastKnownIndexLocked()
	toIndex := preScanIndex + scanIndexBuffer

	started := time.Now()
	err = e.wallet.FullScanToIndex(ctx, client, toIndex)
	if errors.Is(err, descriptor.ErrUpdateHeightTooOld) {
		e.log.Warn("wallet store height regression, recreating store")
		if err := e.recreateWalletLocked(); err != nil {
			return err
		}
		err = e.wallet.FullScanToIndex(ctx, client, toIndex)
	}
	if err != nil {
		return payment.NewLwk(err)
	}
	e.log.Info("full scan complete", "duration", time.Since(started), "to_index", toIndex)

	if err := e.persister.SetLastScannedDerivationIndex(preScanIndex); err != nil {
		return payment.ErrPersist
	}
	// Reservations whose index the scan saw funded are spent for good; a
	// used address must not be recycled once its expiry passes.
	if err := e.persister.ReleaseUsedReservations(e.wallet.NextUnusedIndex()); err != nil {
		return payment.ErrPersist
	}
	return nil
}

// lastKnownIndexLocked is the scan base: the furthest derivation index
// any part of the system has observed or handed out.
func (e *Engine) lastKnownIndexLocked() uint32 {
	index := e.wallet.NextUnusedIndex()
	if last, err := e.persister.GetLastDerivationIndex(); err == nil && last != nil && *last > index {
		index = *last
	}
	if scanned, err := e.persister.GetLastScannedDerivationIndex(); err == nil && scanned != nil && *scanned > index {
		index = *scanned
	}
	return index
}

// recreateWalletLocked wipes the local index and opens a fresh wallet.
// The watch list survives the wipe: registered swap scripts must still
// be indexed by the scan that follows, or reconciliation would run
// against an empty history.
func (e *Engine) recreateWalletLocked() error {
	watched := e.wallet.WatchedScripts()
	if err := e.store.Wipe(); err != nil {
		return payment.NewGeneric("wipe wallet store: %s", err)
	}
	w, err := descriptor.NewWallet(e.desc, e.store)
	if err != nil {
		return payment.NewGeneric("reopen wallet: %s", err)
	}
	for _, script := range watched {
		w.WatchScript(script)
	}
	e.wallet = w
	return nil
}

// EmptyWalletCache wipes the local transaction index. The next scan
// rebuilds it from the chain.
func (e *Engine) EmptyWalletCache() error {
	e.walletMu.Lock()
	defer e.walletMu.Unlock()
	return e.recreateWalletLocked()
}

// feeTargetBlocks is the confirmation target for live fee estimates.
const feeTargetBlocks = 2

// feeEstimator is implemented by network clients that can quote a live
// fee rate.
type feeEstimator interface {
	EstimateFee(ctx context.Context, blocks int) (float32, error)
}

// FeeRate returns the backend's fee estimate in sat/vB, or fallback when
// the backend has none to offer.
func (e *Engine) FeeRate(ctx context.Context, fallback float32) float32 {
	client, err := e.networkClient(ctx)
	if err != nil {
		return fallback
	}
	est, ok := client.(feeEstimator)
	if !ok {
		return fallback
	}
	rate, err := est.EstimateFee(ctx, feeTargetBlocks)
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}

// networkClient returns the shared client, creating and connecting it on
// first use.
func (e *Engine) networkClient(ctx context.Context) (descriptor.NetworkClient, error) {
	e.clientMu.Lock()
	defer e.clientMu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	client, err := e.newClient()
	if err != nil {
		return nil, payment.NewGeneric("create network client: %s", err)
	}
	e.client = client
	return client, nil
}

// signAndFinalize signs every wallet input of the packet and extracts
// the broadcast-ready transaction.
func (e *Engine) signAndFinalize(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := e.sgn.SignPsbt(packet); err != nil {
		return nil, payment.NewSigner(err)
	}
	tx, err := descriptor.Finalize(packet)
	if err != nil {
		return nil, payment.NewGeneric("finalize transaction: %s", err)
	}
	return tx, nil
}

// SignMessage signs a message in the Lightning convention:
// zbase32(recoverable-sig(SHA256d(prefix || msg))).
func (e *Engine) SignMessage(msg string) (string, error) {
	digest := messageDigest(msg)
	sig, err := e.sgn.SignRecoverable(digest)
	if err != nil {
		return "", payment.NewSigner(err)
	}
	return zbase32.EncodeToString(sig), nil
}

// CheckMessage verifies a signature produced by the same convention
// against a hex-encoded compressed public key. Malformed signatures
// return false rather than an error; a malformed pubkey is an error.
func (e *Engine) CheckMessage(msg, pubKeyHex, signature string) (bool, error) {
	pubKeyBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, payment.NewGeneric("invalid public key: %s", err)
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, payment.NewGeneric("invalid public key: %s", err)
	}

	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	recovered, _, err := ecdsa.RecoverCompact(sig, messageDigest(msg))
	if err != nil {
		return false, nil
	}
	return recovered.IsEqual(pubKey), nil
}

// PubKey returns the hex-encoded compressed master public key.
func (e *Engine) PubKey() (string, error) {
	pub, err := e.sgn.PublicKey()
	if err != nil {
		return "", payment.NewSigner(err)
	}
	return hex.EncodeToString(pub), nil
}

// Fingerprint returns the hex-encoded BIP32 master fingerprint.
func (e *Engine) Fingerprint() (string, error) {
	fp, err := e.sgn.Fingerprint()
	if err != nil {
		return "", payment.NewSigner(err)
	}
	return hex.EncodeToString(fp[:]), nil
}

func (e *Engine) recipientScript(recipient string) ([]byte, error) {
	script, err := e.chainParams.AddressScript(recipient)
	if err != nil {
		return nil, payment.NewGeneric("invalid recipient address: %s", err)
	}
	return script, nil
}

func messageDigest(msg string) []byte {
	first := sha256.Sum256(append([]byte(messagePrefix), []byte(msg)...))
	second := sha256.Sum256(first[:])
	return second[:]
}
