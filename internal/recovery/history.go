// Package recovery rebuilds swap state from onchain history. It is the
// self-healing path: given the wallet's transaction index and the chain
// tip, each handler derives the one state a swap must be in, regardless
// of what the database currently says.
package recovery

import (
	"github.com/tideswap/tidewallet/internal/descriptor"
	"github.com/tideswap/tidewallet/internal/storage"
)

// HistoryTx is a transaction observed for a swap script. Height 0 means
// the transaction is still in the mempool.
type HistoryTx struct {
	TxID   string
	Height uint32
}

// legConfirmations is how deep a leg transaction must be before it
// counts as settled.
const legConfirmations = 1

// Confirmed reports whether the transaction is in a block.
func (h HistoryTx) Confirmed() bool {
	return h.Height > 0
}

// settled reports whether the transaction has reached the per-leg
// confirmation threshold at the given tip.
func (h HistoryTx) settled(tip uint32) bool {
	return h.maturity(tip) >= legConfirmations
}

// maturity is the confirmation count at the given tip. Mempool
// transactions have maturity zero.
func (h HistoryTx) maturity(tip uint32) uint32 {
	if h.Height == 0 || h.Height > tip {
		return 0
	}
	return tip - h.Height + 1
}

// LegHistory groups the transactions observed for one swap leg by role.
type LegHistory struct {
	Lockup []HistoryTx
	Claim  []HistoryTx
	Refund []HistoryTx
}

// legHistoryFrom classifies the wallet's transactions against one leg's
// scripts. A transaction funding the lockup script is a lockup; a
// transaction spending it is a refund when it pays the refund script,
// otherwise a claim.
func legHistoryFrom(txs []descriptor.Tx, leg *storage.SwapLeg) LegHistory {
	var h LegHistory
	for i := range txs {
		tx := &txs[i]
		item := HistoryTx{TxID: tx.TxID, Height: tx.Height}
		if tx.PaysToScript(leg.LockupScript) {
			h.Lockup = append(h.Lockup, item)
		}
		if !tx.SpendsScript(leg.LockupScript) {
			continue
		}
		if len(leg.RefundScript) > 0 && tx.PaysToScript(leg.RefundScript) {
			h.Refund = append(h.Refund, item)
		} else {
			h.Claim = append(h.Claim, item)
		}
	}
	return h
}

// mostMature returns the transaction with the highest confirmation
// count, or nil when the list is empty.
func mostMature(items []HistoryTx, tip uint32) *HistoryTx {
	var best *HistoryTx
	for i := range items {
		if best == nil || items[i].maturity(tip) > best.maturity(tip) {
			best = &items[i]
		}
	}
	return best
}
