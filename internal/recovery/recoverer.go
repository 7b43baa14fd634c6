package recovery

import (
	"context"
	"fmt"

	"github.com/tideswap/tidewallet/internal/descriptor"
	"github.com/tideswap/tidewallet/internal/storage"
	"github.com/tideswap/tidewallet/pkg/logging"
)

// WalletBackend is the slice of the wallet engine recovery needs.
type WalletBackend interface {
	WatchScript(scriptPubKey []byte)
	FullScan(ctx context.Context) error
	Transactions() ([]descriptor.Tx, error)
	Tip() uint32
}

// txIndex classifies a wallet transaction snapshot per leg.
type txIndex struct {
	txs []descriptor.Tx
}

func (t txIndex) History(leg *storage.SwapLeg) LegHistory {
	return legHistoryFrom(t.txs, leg)
}

// Recoverer drives the reconcile loop: register every active swap's
// scripts with the wallet, sync, and rewrite each swap's state from what
// the chain shows. Running it twice against the same chain view is a
// no-op the second time.
type Recoverer struct {
	wallet   WalletBackend
	store    *storage.Storage
	onUpdate func(*storage.SwapRecord)
	log      *logging.Logger
}

func NewRecoverer(wallet WalletBackend, store *storage.Storage, onUpdate func(*storage.SwapRecord)) *Recoverer {
	return &Recoverer{
		wallet:   wallet,
		store:    store,
		onUpdate: onUpdate,
		log:      logging.GetDefault().Component("recovery"),
	}
}

// Recover syncs the wallet and reconciles every non-terminal swap.
func (r *Recoverer) Recover(ctx context.Context) error {
	swaps, err := r.store.ListRecoverableSwaps()
	if err != nil {
		return fmt.Errorf("list recoverable swaps: %w", err)
	}

	for _, swap := range swaps {
		r.watchLeg(&swap.Leg)
		if swap.RemoteLeg != nil {
			r.watchLeg(swap.RemoteLeg)
		}
	}

	if err := r.wallet.FullScan(ctx); err != nil {
		return fmt.Errorf("full scan: %w", err)
	}
	txs, err := r.wallet.Transactions()
	if err != nil {
		return fmt.Errorf("wallet transactions: %w", err)
	}
	tip := r.wallet.Tip()
	src := txIndex{txs: txs}

	for _, swap := range swaps {
		if swap.State.IsTerminal() {
			continue
		}
		if changed := r.reconcile(swap, src, tip); !changed {
			continue
		}
		if err := r.store.SaveSwap(swap); err != nil {
			return fmt.Errorf("save swap %s: %w", swap.ID, err)
		}
		r.log.Info("swap state reconciled", "id", swap.ID, "kind", swap.Kind, "state", swap.State)
		if r.onUpdate != nil {
			r.onUpdate(swap)
		}
	}
	return nil
}

func (r *Recoverer) watchLeg(leg *storage.SwapLeg) {
	for _, script := range [][]byte{leg.LockupScript, leg.ClaimScript, leg.RefundScript} {
		if len(script) > 0 {
			r.wallet.WatchScript(script)
		}
	}
}

// reconcile rewrites one swap from the chain view and reports whether
// anything changed.
func (r *Recoverer) reconcile(swap *storage.SwapRecord, src HistorySource, tip uint32) bool {
	combined, user, remote := resolveSwap(swap, src, tip)

	changed := applyLeg(&swap.Leg, user)
	if swap.RemoteLeg != nil && remote != nil {
		if applyLeg(swap.RemoteLeg, *remote) {
			changed = true
		}
	}
	if swap.State != combined.State {
		swap.State = combined.State
		changed = true
	}
	if combined.FailureReason != "" && swap.FailureReason != combined.FailureReason {
		swap.FailureReason = combined.FailureReason
		changed = true
	}
	return changed
}

// applyLeg copies observed transaction ids onto the stored leg.
func applyLeg(leg *storage.SwapLeg, res legResolution) bool {
	changed := false
	if res.LockupTxID != "" && leg.LockupTxID != res.LockupTxID {
		leg.LockupTxID = res.LockupTxID
		changed = true
	}
	if res.ClaimTxID != "" && leg.ClaimTxID != res.ClaimTxID {
		leg.ClaimTxID = res.ClaimTxID
		changed = true
	}
	if res.RefundTxID != "" && leg.RefundTxID != res.RefundTxID {
		leg.RefundTxID = res.RefundTxID
		changed = true
	}
	return changed
}
