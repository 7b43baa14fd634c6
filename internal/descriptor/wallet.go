package descriptor

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/tideswap/tidewallet/internal/electrum"
	"github.com/tideswap/tidewallet/pkg/logging"
)

// TxIO is one input or output of an indexed transaction, annotated with
// whether the wallet's descriptor owns the script. Inputs carry the
// outpoint they spend so the utxo set can be derived from the index.
type TxIO struct {
	PrevTxID     string `json:"prevTxId,omitempty"`
	PrevVout     uint32 `json:"prevVout,omitempty"`
	AmountSat    uint64 `json:"amountSat"`
	AssetID      string `json:"assetId"`
	ScriptPubKey []byte `json:"scriptPubKey"`
	Owned        bool   `json:"owned"`
}

// Tx is a wallet-indexed transaction. Height 0 means unconfirmed; a tx
// first seen in the mempool keeps its identity when later re-observed
// with a height.
type Tx struct {
	TxID          string           `json:"txId"`
	Height        uint32           `json:"height"`
	Timestamp     int64            `json:"timestamp"`
	FeeSat        uint64           `json:"feeSat"`
	BalanceDeltas map[string]int64 `json:"balanceDeltas"`
	Inputs        []TxIO           `json:"inputs"`
	Outputs       []TxIO           `json:"outputs"`
}

// Confirmed reports whether the transaction has a containing block.
func (t *Tx) Confirmed() bool {
	return t.Height > 0
}

// PaysToScript reports whether any output pays the given script.
func (t *Tx) PaysToScript(scriptPubKey []byte) bool {
	for _, out := range t.Outputs {
		if bytes.Equal(out.ScriptPubKey, scriptPubKey) {
			return true
		}
	}
	return false
}

// SpendsScript reports whether any input spends an output locked to the
// given script.
func (t *Tx) SpendsScript(scriptPubKey []byte) bool {
	for _, in := range t.Inputs {
		if bytes.Equal(in.ScriptPubKey, scriptPubKey) {
			return true
		}
	}
	return false
}

// UTXO is an unspent descriptor-owned output.
type UTXO struct {
	TxID            string
	Vout            uint32
	AmountSat       uint64
	AssetID         string
	ScriptPubKey    []byte
	DerivationIndex uint32
	Height          uint32
}

// NetworkClient is the chain backend a full scan consumes.
type NetworkClient interface {
	Tip(ctx context.Context) (uint32, error)
	ScriptHistory(ctx context.Context, scriptPubKey []byte) ([]electrum.HistoryItem, error)
	Transaction(ctx context.Context, txID string) (*electrum.TxInfo, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// Wallet is the watch-only descriptor wallet. It is not safe for
// concurrent use; the owning engine serializes access.
type Wallet struct {
	desc  *Descriptor
	store *Store
	snap  *snapshot
	log   *logging.Logger
}

// NewWallet opens (or initializes) the wallet over the given store.
func NewWallet(desc *Descriptor, store *Store) (*Wallet, error) {
	snap, err := store.Load(desc.ID())
	if err != nil {
		return nil, err
	}
	return &Wallet{
		desc:  desc,
		store: store,
		snap:  snap,
		log:   logging.GetDefault().Component("wallet"),
	}, nil
}

// Descriptor returns the wallet's descriptor.
func (w *Wallet) Descriptor() *Descriptor {
	return w.desc
}

// Tip returns the last chain tip a scan synced to.
func (w *Wallet) Tip() uint32 {
	return w.snap.TipHeight
}

// LastUsedIndex returns the highest derivation index seen on-chain, or
// -1 when no wallet script has been used yet.
func (w *Wallet) LastUsedIndex() int64 {
	return w.snap.LastUsedIndex
}

// NextUnusedIndex returns the first derivation index past every on-chain
// use.
func (w *Wallet) NextUnusedIndex() uint32 {
	return uint32(w.snap.LastUsedIndex + 1)
}

// AddressAt derives the address at the given index.
func (w *Wallet) AddressAt(index uint32) (btcutil.Address, error) {
	return w.desc.AddressAt(index)
}

// Transactions returns the indexed transaction list, newest first
// (mempool entries before confirmed ones).
func (w *Wallet) Transactions() []Tx {
	txs := make([]Tx, 0, len(w.snap.Txs))
	for _, tx := range w.snap.Txs {
		txs = append(txs, *tx)
	}
	sort.Slice(txs, func(i, j int) bool {
		hi, hj := txs[i].Height, txs[j].Height
		if hi == 0 {
			hi = ^uint32(0)
		}
		if hj == 0 {
			hj = ^uint32(0)
		}
		if hi != hj {
			return hi > hj
		}
		return txs[i].TxID < txs[j].TxID
	})
	return txs
}

// Balance returns the wallet balance per asset, mempool included.
func (w *Wallet) Balance() map[string]uint64 {
	balance := make(map[string]int64)
	for _, tx := range w.snap.Txs {
		for asset, delta := range tx.BalanceDeltas {
			balance[asset] += delta
		}
	}
	result := make(map[string]uint64, len(balance))
	for asset, amount := range balance {
		if amount > 0 {
			result[asset] = uint64(amount)
		}
	}
	return result
}

// UTXOs returns the unspent descriptor-owned outputs, largest first.
func (w *Wallet) UTXOs() []UTXO {
	spent := make(map[string]bool)
	for _, tx := range w.snap.Txs {
		for _, in := range tx.Inputs {
			if in.PrevTxID != "" {
				spent[fmt.Sprintf("%s:%d", in.PrevTxID, in.PrevVout)] = true
			}
		}
	}

	scriptIndexes := w.scriptIndexMap()
	var utxos []UTXO
	for _, tx := range w.snap.Txs {
		for vout, out := range tx.Outputs {
			if !out.Owned {
				continue
			}
			if spent[fmt.Sprintf("%s:%d", tx.TxID, vout)] {
				continue
			}
			index, ok := scriptIndexes[hex.EncodeToString(out.ScriptPubKey)]
			if !ok {
				continue
			}
			utxos = append(utxos, UTXO{
				TxID:            tx.TxID,
				Vout:            uint32(vout),
				AmountSat:       out.AmountSat,
				AssetID:         out.AssetID,
				ScriptPubKey:    out.ScriptPubKey,
				DerivationIndex: index,
				Height:          tx.Height,
			})
		}
	}
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].AmountSat != utxos[j].AmountSat {
			return utxos[i].AmountSat > utxos[j].AmountSat
		}
		if utxos[i].TxID != utxos[j].TxID {
			return utxos[i].TxID < utxos[j].TxID
		}
		return utxos[i].Vout < utxos[j].Vout
	})
	return utxos
}

// WatchScript registers an extra script (a swap lockup, claim or refund
// script) whose history the next full scan will index alongside the
// descriptor's own scripts.
func (w *Wallet) WatchScript(scriptPubKey []byte) {
	key := hex.EncodeToString(scriptPubKey)
	if _, ok := w.snap.WatchedScripts[key]; ok {
		return
	}
	w.snap.WatchedScripts[key] = append([]byte(nil), scriptPubKey...)
}

// WatchedScripts returns a copy of every registered watch script, so the
// watch list can be carried onto a freshly recreated wallet.
func (w *Wallet) WatchedScripts() [][]byte {
	scripts := make([][]byte, 0, len(w.snap.WatchedScripts))
	for _, script := range w.snap.WatchedScripts {
		scripts = append(scripts, append([]byte(nil), script...))
	}
	return scripts
}

// scriptIndexMap derives every descriptor script up to the scan frontier
// and maps hex script -> derivation index.
func (w *Wallet) scriptIndexMap() map[string]uint32 {
	indexes := make(map[string]uint32)
	frontier := w.snap.LastUsedIndex
	for i := int64(0); i <= frontier; i++ {
		script, err := w.desc.ScriptAt(uint32(i))
		if err != nil {
			continue
		}
		indexes[hex.EncodeToString(script)] = uint32(i)
	}
	return indexes
}

// FullScanToIndex scans the histories of every descriptor script up to
// and including toIndex, plus all watched scripts, and applies the result
// to the local index. Returns ErrUpdateHeightTooOld when the backend's
// tip is below the snapshot's recorded tip, which indicates a stale or
// corrupt local store.
func (w *Wallet) FullScanToIndex(ctx context.Context, client NetworkClient, toIndex uint32) error {
	tip, err := client.Tip(ctx)
	if err != nil {
		return fmt.Errorf("fetch tip: %w", err)
	}
	if tip < w.snap.TipHeight {
		return fmt.Errorf("%w: tip %d < stored %d", ErrUpdateHeightTooOld, tip, w.snap.TipHeight)
	}

	// Derive the scan script set: descriptor scripts 0..toIndex plus
	// watched swap scripts.
	type scanScript struct {
		script []byte
		index  int64 // derivation index, -1 for watched scripts
	}
	scripts := make([]scanScript, 0, int(toIndex)+1+len(w.snap.WatchedScripts))
	ownedScripts := make(map[string]int64)
	for i := uint32(0); i <= toIndex; i++ {
		script, err := w.desc.ScriptAt(i)
		if err != nil {
			return fmt.Errorf("derive script %d: %w", i, err)
		}
		scripts = append(scripts, scanScript{script: script, index: int64(i)})
		ownedScripts[hex.EncodeToString(script)] = int64(i)
	}
	for _, script := range w.snap.WatchedScripts {
		scripts = append(scripts, scanScript{script: script, index: -1})
	}

	// Collect history: txid -> best known height, and track the highest
	// used derivation index.
	heights := make(map[string]uint32)
	lastUsed := w.snap.LastUsedIndex
	for _, s := range scripts {
		history, err := client.ScriptHistory(ctx, s.script)
		if err != nil {
			return fmt.Errorf("script history: %w", err)
		}
		if len(history) > 0 && s.index > lastUsed {
			lastUsed = s.index
		}
		for _, item := range history {
			if existing, ok := heights[item.TxID]; !ok || item.Height > existing {
				heights[item.TxID] = item.Height
			}
		}
	}

	// Fetch transactions not yet indexed; update heights of known ones
	// in place so a tx keeps its identity across mempool -> confirmed.
	fetched := make(map[string]*electrum.TxInfo)
	for txID, height := range heights {
		if existing, ok := w.snap.Txs[txID]; ok {
			if existing.Height != height {
				existing.Height = height
			}
			continue
		}
		info, err := client.Transaction(ctx, txID)
		if err != nil {
			return fmt.Errorf("fetch tx %s: %w", txID, err)
		}
		fetched[txID] = info
	}

	// Index the new transactions. Prevout resolution consults both the
	// existing index and this scan's fetched set.
	resolve := func(txID string, vout uint32) (TxIO, bool) {
		if prev, ok := w.snap.Txs[txID]; ok && int(vout) < len(prev.Outputs) {
			out := prev.Outputs[vout]
			return out, true
		}
		if info, ok := fetched[txID]; ok && int(vout) < len(info.Tx.TxOut) {
			out := info.Tx.TxOut[vout]
			_, owned := ownedScripts[hex.EncodeToString(out.PkScript)]
			return TxIO{
				AmountSat:    uint64(out.Value),
				AssetID:      w.desc.params.NativeAssetID,
				ScriptPubKey: out.PkScript,
				Owned:        owned,
			}, true
		}
		return TxIO{}, false
	}

	now := time.Now().Unix()
	for txID, info := range fetched {
		entry := &Tx{
			TxID:          txID,
			Height:        heights[txID],
			Timestamp:     info.BlockTime,
			BalanceDeltas: make(map[string]int64),
		}
		if entry.Timestamp == 0 {
			entry.Timestamp = now
		}

		allInputsKnown := true
		var inputTotal, outputTotal uint64
		for _, in := range info.Tx.TxIn {
			prevTxID := in.PreviousOutPoint.Hash.String()
			prevVout := in.PreviousOutPoint.Index
			prev, ok := resolve(prevTxID, prevVout)
			io := TxIO{PrevTxID: prevTxID, PrevVout: prevVout}
			if ok {
				io.AmountSat = prev.AmountSat
				io.AssetID = prev.AssetID
				io.ScriptPubKey = prev.ScriptPubKey
				_, io.Owned = ownedScripts[hex.EncodeToString(prev.ScriptPubKey)]
				inputTotal += prev.AmountSat
			} else {
				allInputsKnown = false
			}
			entry.Inputs = append(entry.Inputs, io)
			if io.Owned {
				entry.BalanceDeltas[io.AssetID] -= int64(io.AmountSat)
			}
		}
		for _, out := range info.Tx.TxOut {
			_, owned := ownedScripts[hex.EncodeToString(out.PkScript)]
			io := TxIO{
				AmountSat:    uint64(out.Value),
				AssetID:      w.desc.params.NativeAssetID,
				ScriptPubKey: out.PkScript,
				Owned:        owned,
			}
			entry.Outputs = append(entry.Outputs, io)
			outputTotal += io.AmountSat
			if owned {
				entry.BalanceDeltas[io.AssetID] += int64(io.AmountSat)
			}
		}
		if allInputsKnown && inputTotal >= outputTotal {
			entry.FeeSat = inputTotal - outputTotal
		}
		w.snap.Txs[txID] = entry
	}

	w.snap.TipHeight = tip
	w.snap.LastUsedIndex = lastUsed
	if err := w.store.Save(w.snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	w.log.Debug("scan applied", "tip", tip, "txs", len(w.snap.Txs), "last_used_index", lastUsed)
	return nil
}
