package descriptor

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tideswap/tidewallet/internal/chain"
	"github.com/tideswap/tidewallet/internal/electrum"
	"github.com/tideswap/tidewallet/internal/signer"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeClient is an in-memory chain backend. Tests stage transactions
// paying wallet scripts and the scan indexes them.
type fakeClient struct {
	tip     uint32
	history map[string][]electrum.HistoryItem // hex script -> history
	txs     map[string]*electrum.TxInfo
}

func newFakeClient(tip uint32) *fakeClient {
	return &fakeClient{
		tip:     tip,
		history: make(map[string][]electrum.HistoryItem),
		txs:     make(map[string]*electrum.TxInfo),
	}
}

func (f *fakeClient) Tip(ctx context.Context) (uint32, error) {
	return f.tip, nil
}

func (f *fakeClient) ScriptHistory(ctx context.Context, script []byte) ([]electrum.HistoryItem, error) {
	return f.history[hex.EncodeToString(script)], nil
}

func (f *fakeClient) Transaction(ctx context.Context, txID string) (*electrum.TxInfo, error) {
	info, ok := f.txs[txID]
	if !ok {
		return nil, errors.New("tx not found")
	}
	return info, nil
}

func (f *fakeClient) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	return tx.TxHash().String(), nil
}

// fund stages a coinbase-like transaction paying amountSat to the given
// script at the given height, and registers it in the script's history.
func (f *fakeClient) fund(script []byte, amountSat uint64, height uint32) string {
	tx := wire.NewMsgTx(wire.TxVersion)
	prev, _ := chainhash.NewHashFromStr("aa" + hex.EncodeToString(randomishBytes(31)))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amountSat), script))
	txID := tx.TxHash().String()
	f.txs[txID] = &electrum.TxInfo{Tx: tx, BlockTime: 1001}
	key := hex.EncodeToString(script)
	f.history[key] = append(f.history[key], electrum.HistoryItem{TxID: txID, Height: height})
	return txID
}

var counter byte

func randomishBytes(n int) []byte {
	counter++
	b := make([]byte, n)
	for i := range b {
		b[i] = counter + byte(i)
	}
	return b
}

func testWallet(t *testing.T) (*Wallet, *Store) {
	t.Helper()
	params, err := chain.Get(chain.Bitcoin, chain.Regtest)
	if err != nil {
		t.Fatal(err)
	}
	sgn, err := signer.NewMnemonicSigner(testMnemonic, "", params)
	if err != nil {
		t.Fatal(err)
	}
	xpub, err := sgn.AccountXpub()
	if err != nil {
		t.Fatal(err)
	}
	fp, err := sgn.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	desc, err := NewDescriptor(xpub, fp, params)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := os.MkdirTemp("", "tidewallet-desc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWallet(desc, store)
	if err != nil {
		t.Fatal(err)
	}
	return w, store
}

func TestFullScanIndexesFunding(t *testing.T) {
	w, _ := testWallet(t)
	client := newFakeClient(100)

	script0, err := w.desc.ScriptAt(0)
	if err != nil {
		t.Fatal(err)
	}
	txID := client.fund(script0, 50_000, 90)

	if err := w.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}

	txs := w.Transactions()
	if len(txs) != 1 {
		t.Fatalf("indexed %d txs, want 1", len(txs))
	}
	if txs[0].TxID != txID || txs[0].Height != 90 {
		t.Fatalf("tx = %s@%d", txs[0].TxID, txs[0].Height)
	}
	nativeAsset := w.desc.params.NativeAssetID
	if got := w.Balance()[nativeAsset]; got != 50_000 {
		t.Fatalf("balance = %d, want 50000", got)
	}
	if w.LastUsedIndex() != 0 {
		t.Fatalf("last used index = %d, want 0", w.LastUsedIndex())
	}
	utxos := w.UTXOs()
	if len(utxos) != 1 || utxos[0].AmountSat != 50_000 || utxos[0].DerivationIndex != 0 {
		t.Fatalf("unexpected utxos: %+v", utxos)
	}
}

func TestFullScanMempoolThenConfirmedSameIdentity(t *testing.T) {
	w, _ := testWallet(t)
	client := newFakeClient(100)

	script0, err := w.desc.ScriptAt(0)
	if err != nil {
		t.Fatal(err)
	}
	txID := client.fund(script0, 10_000, 0) // mempool

	if err := w.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}
	if txs := w.Transactions(); len(txs) != 1 || txs[0].Confirmed() {
		t.Fatalf("expected one unconfirmed tx, got %+v", txs)
	}

	// Same tx re-observed with a height: replace, don't duplicate.
	key := hex.EncodeToString(script0)
	client.history[key] = []electrum.HistoryItem{{TxID: txID, Height: 101}}
	client.tip = 101

	if err := w.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}
	txs := w.Transactions()
	if len(txs) != 1 {
		t.Fatalf("indexed %d txs after confirmation, want 1", len(txs))
	}
	if txs[0].Height != 101 {
		t.Fatalf("height = %d, want 101", txs[0].Height)
	}
}

func TestFullScanRejectsHeightRegression(t *testing.T) {
	w, _ := testWallet(t)
	client := newFakeClient(100)
	if err := w.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}

	client.tip = 50
	err := w.FullScanToIndex(context.Background(), client, 5)
	if !errors.Is(err, ErrUpdateHeightTooOld) {
		t.Fatalf("err = %v, want ErrUpdateHeightTooOld", err)
	}
}

func TestStoreWipeAllowsFreshScan(t *testing.T) {
	w, store := testWallet(t)
	client := newFakeClient(100)
	if err := w.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}

	if err := store.Wipe(); err != nil {
		t.Fatal(err)
	}
	fresh, err := NewWallet(w.desc, store)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Tip() != 0 {
		t.Fatalf("fresh wallet tip = %d, want 0", fresh.Tip())
	}
	client.tip = 50 // below the old tip, fine after wipe
	if err := fresh.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}
}

func TestWatchedScriptIndexed(t *testing.T) {
	w, _ := testWallet(t)
	client := newFakeClient(200)

	lockupScript := []byte{0x00, 0x20}
	lockupScript = append(lockupScript, randomishBytes(32)...)
	w.WatchScript(lockupScript)

	txID := client.fund(lockupScript, 75_000, 150)
	if err := w.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}

	txs := w.Transactions()
	if len(txs) != 1 || txs[0].TxID != txID {
		t.Fatalf("watched script tx not indexed: %+v", txs)
	}
	if !txs[0].PaysToScript(lockupScript) {
		t.Fatal("PaysToScript should match the watched script")
	}
	// Not descriptor-owned: no balance, no utxo.
	if len(w.UTXOs()) != 0 {
		t.Fatal("watched script output must not enter the utxo set")
	}
}

func TestSnapshotPersistsAcrossReopen(t *testing.T) {
	w, store := testWallet(t)
	client := newFakeClient(100)
	script0, err := w.desc.ScriptAt(0)
	if err != nil {
		t.Fatal(err)
	}
	client.fund(script0, 25_000, 80)
	if err := w.FullScanToIndex(context.Background(), client, 5); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewWallet(w.desc, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(reopened.Transactions()) != 1 {
		t.Fatal("transactions lost across reopen")
	}
	if reopened.Tip() != 100 {
		t.Fatalf("tip = %d, want 100", reopened.Tip())
	}
}
