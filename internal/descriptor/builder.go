package descriptor

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrInsufficientFunds is returned when coin selection cannot cover the
// requested amount plus fees.
var ErrInsufficientFunds = errors.New("descriptor: insufficient funds")

// Transaction size estimation constants for p2wpkh spends.
const (
	txOverheadVBytes = 11 // version, locktime, counts, segwit marker
	inputVBytes      = 68 // outpoint, sequence, witness
	outputVBytes     = 31 // value + p2wpkh script
	dustLimitSat     = 546
)

// PsetDetails summarizes a built transaction from the wallet's point of
// view before broadcast: per-asset balance deltas and the fee paid.
type PsetDetails struct {
	BalanceDeltas map[string]int64
	FeeSat        uint64
}

// NetOutflow returns how many satoshi of the asset leave the wallet net
// of the fee: -delta - fee.
func (d *PsetDetails) NetOutflow(assetID string) uint64 {
	delta := d.BalanceDeltas[assetID]
	outflow := -delta - int64(d.FeeSat)
	if outflow < 0 {
		return 0
	}
	return uint64(outflow)
}

type recipient struct {
	scriptPubKey []byte
	assetID      string
	amountSat    uint64
}

// TxBuilder assembles a PSBT from the wallet's utxo set. Recipients are
// added per asset; the native asset pays the fee. DrainTo switches the
// builder to drain mode: the whole native balance goes to one script.
type TxBuilder struct {
	wallet     *Wallet
	feeRate    float32 // sat/vB
	recipients []recipient
	drainTo    []byte
}

// NewTxBuilder starts a builder over the wallet's current utxo set.
func (w *Wallet) NewTxBuilder() *TxBuilder {
	return &TxBuilder{wallet: w, feeRate: 1.0}
}

// FeeRate sets the fee rate in sat/vB. Zero keeps the default.
func (b *TxBuilder) FeeRate(satPerVB float32) *TxBuilder {
	if satPerVB > 0 {
		b.feeRate = satPerVB
	}
	return b
}

// AddRecipient adds an output paying amountSat of assetID to the script.
func (b *TxBuilder) AddRecipient(scriptPubKey []byte, assetID string, amountSat uint64) *TxBuilder {
	b.recipients = append(b.recipients, recipient{
		scriptPubKey: append([]byte(nil), scriptPubKey...),
		assetID:      assetID,
		amountSat:    amountSat,
	})
	return b
}

// DrainTo spends the entire native-asset balance to the script. Drain
// mode ignores any recipients added for the native asset.
func (b *TxBuilder) DrainTo(scriptPubKey []byte) *TxBuilder {
	b.drainTo = append([]byte(nil), scriptPubKey...)
	return b
}

// Finish selects coins, assembles the unsigned transaction and returns it
// as a PSBT with witness utxos and BIP32 derivations filled in, plus the
// wallet-perspective details used for amount enforcement.
func (b *TxBuilder) Finish() (*psbt.Packet, *PsetDetails, error) {
	if b.drainTo != nil {
		return b.finishDrain()
	}
	if len(b.recipients) == 0 {
		return nil, nil, fmt.Errorf("no recipients")
	}
	return b.finishStandard()
}

func (b *TxBuilder) finishStandard() (*psbt.Packet, *PsetDetails, error) {
	nativeAsset := b.wallet.desc.params.NativeAssetID
	utxos := b.wallet.UTXOs()

	// Group the requested amounts per asset.
	needed := make(map[string]uint64)
	for _, r := range b.recipients {
		if r.amountSat < dustLimitSat {
			return nil, nil, fmt.Errorf("amount %d below dust limit", r.amountSat)
		}
		needed[r.assetID] += r.amountSat
	}

	// Greedy selection, largest first, per asset. The native asset's
	// target moves with the fee, which depends on the input/output
	// count, so selection iterates until it stabilizes.
	var selected []UTXO
	selectedByAsset := make(map[string]uint64)
	used := make(map[string]bool)
	selectAsset := func(assetID string, target uint64) error {
		for _, u := range utxos {
			if u.AssetID != assetID {
				continue
			}
			if selectedByAsset[assetID] >= target {
				return nil
			}
			key := fmt.Sprintf("%s:%d", u.TxID, u.Vout)
			if used[key] {
				continue
			}
			used[key] = true
			selected = append(selected, u)
			selectedByAsset[assetID] += u.AmountSat
		}
		if selectedByAsset[assetID] < target {
			return ErrInsufficientFunds
		}
		return nil
	}

	for assetID, amount := range needed {
		if assetID == nativeAsset {
			continue
		}
		if err := selectAsset(assetID, amount); err != nil {
			return nil, nil, err
		}
	}

	// Native asset: cover amount + fee, re-estimating as inputs grow.
	// Every non-native asset over-selection also adds a change output.
	nativeTarget := needed[nativeAsset]
	for {
		nOutputs := len(b.recipients) + 1               // plus change
		fee := b.estimateFee(len(selected)+1, nOutputs) // assume one more input
		if selectedByAsset[nativeAsset] >= nativeTarget+fee {
			break
		}
		before := len(selected)
		if err := selectAsset(nativeAsset, nativeTarget+fee); err != nil {
			return nil, nil, err
		}
		if len(selected) == before {
			break
		}
	}

	nOutputs := len(b.recipients) + 1
	fee := b.estimateFee(len(selected), nOutputs)
	if selectedByAsset[nativeAsset] < nativeTarget+fee {
		return nil, nil, ErrInsufficientFunds
	}

	// Change outputs go to the next unused descriptor index, which the
	// scan buffer keeps inside the discovery window.
	changeIndex := b.wallet.NextUnusedIndex()
	changeScript, err := b.wallet.desc.ScriptAt(changeIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("derive change script: %w", err)
	}

	outputs := make([]*wire.TxOut, 0, nOutputs)
	deltas := make(map[string]int64)
	for _, r := range b.recipients {
		outputs = append(outputs, wire.NewTxOut(int64(r.amountSat), r.scriptPubKey))
		deltas[r.assetID] -= int64(r.amountSat)
	}
	for assetID, selectedAmount := range selectedByAsset {
		spent := needed[assetID]
		if assetID == nativeAsset {
			spent += fee
			deltas[assetID] -= int64(fee)
		}
		change := selectedAmount - spent
		if change >= dustLimitSat {
			outputs = append(outputs, wire.NewTxOut(int64(change), changeScript))
		} else if change > 0 {
			// Sub-dust remainder folds into the fee.
			fee += change
			if assetID == nativeAsset {
				deltas[assetID] -= int64(change)
			}
		}
	}

	packet, err := b.assemble(selected, outputs)
	if err != nil {
		return nil, nil, err
	}
	return packet, &PsetDetails{BalanceDeltas: deltas, FeeSat: fee}, nil
}

func (b *TxBuilder) finishDrain() (*psbt.Packet, *PsetDetails, error) {
	nativeAsset := b.wallet.desc.params.NativeAssetID
	var selected []UTXO
	var total uint64
	for _, u := range b.wallet.UTXOs() {
		if u.AssetID != nativeAsset {
			continue
		}
		selected = append(selected, u)
		total += u.AmountSat
	}
	if len(selected) == 0 {
		return nil, nil, ErrInsufficientFunds
	}

	fee := b.estimateFee(len(selected), 1)
	if total <= fee || total-fee < dustLimitSat {
		return nil, nil, ErrInsufficientFunds
	}
	amount := total - fee

	outputs := []*wire.TxOut{wire.NewTxOut(int64(amount), b.drainTo)}
	packet, err := b.assemble(selected, outputs)
	if err != nil {
		return nil, nil, err
	}
	details := &PsetDetails{
		BalanceDeltas: map[string]int64{nativeAsset: -int64(total)},
		FeeSat:        fee,
	}
	return packet, details, nil
}

func (b *TxBuilder) estimateFee(nInputs, nOutputs int) uint64 {
	vbytes := float64(txOverheadVBytes + nInputs*inputVBytes + nOutputs*outputVBytes)
	fee := uint64(vbytes * float64(b.feeRate))
	if fee == 0 {
		fee = 1
	}
	return fee
}

// assemble builds the unsigned tx and wraps it into a PSBT with witness
// utxos and derivation records for every input.
func (b *TxBuilder) assemble(selected []UTXO, outputs []*wire.TxOut) (*psbt.Packet, error) {
	unsigned := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("parse txid %s: %w", u.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		// Signal RBF.
		txIn.Sequence = wire.MaxTxInSequenceNum - 2
		unsigned.AddTxIn(txIn)
	}
	for _, out := range outputs {
		unsigned.AddTxOut(out)
	}

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, fmt.Errorf("create psbt: %w", err)
	}
	for i, u := range selected {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(int64(u.AmountSat), u.ScriptPubKey)
		pubKey, err := b.wallet.desc.PubKeyAt(u.DerivationIndex)
		if err != nil {
			return nil, fmt.Errorf("derive pubkey %d: %w", u.DerivationIndex, err)
		}
		packet.Inputs[i].Bip32Derivation = []*psbt.Bip32Derivation{{
			PubKey:               pubKey,
			MasterKeyFingerprint: b.wallet.desc.MasterFingerprint(),
			Bip32Path:            b.wallet.desc.DerivationPath(u.DerivationIndex),
		}}
	}
	return packet, nil
}

// Finalize completes a fully signed PSBT and extracts the wire
// transaction ready for broadcast.
func Finalize(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("finalize psbt: %w", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("extract tx: %w", err)
	}
	return tx, nil
}

// TxID returns the txid of a finalized transaction.
func TxID(tx *wire.MsgTx) string {
	return tx.TxHash().String()
}

// SerializeTx returns the raw consensus encoding.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
