package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tideswap/tidewallet/internal/chain"
	"github.com/tideswap/tidewallet/internal/descriptor"
	"github.com/tideswap/tidewallet/internal/electrum"
	"github.com/tideswap/tidewallet/internal/payment"
	"github.com/tideswap/tidewallet/internal/signer"
	"github.com/tideswap/tidewallet/internal/storage"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fakeClient struct {
	tip     uint32
	history map[string][]electrum.HistoryItem
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

var counter byte

func randomishBytes(n int) []byte {
	counter++
	b := make([]byte, n)
	for i := range b {
		b[i] = counter + byte(i)
	}
	return b
}

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

type engineFixture struct {
	engine *Engine
	client *fakeClient
	desc   *descriptor.Descriptor
	store  *storage.Storage
	params *chain.Params
}

func testEngine(t *testing.T, tip uint32) *engineFixture {
	t.Helper()
	params, err := chain.Get(chain.Bitcoin, chain.Regtest)
	if err != nil {
		t.Fatal(err)
	}
	sgn, err := signer.NewMnemonicSigner(testMnemonic, "", params)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := os.MkdirTemp("", "tidewallet-engine")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.Open(filepath.Join(dir, "tidewallet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	client := newFakeClient(tip)
	eng, err := NewEngine(&EngineConfig{
		Signer:            sgn,
		Params:            params,
		Persister:         store,
		WalletCacheDir:    filepath.Join(dir, "wallet"),
		NewClient:         func() (descriptor.NetworkClient, error) { return client, nil },
		ReservationBlocks: 5,
	})
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
	desc, err := descriptor.NewDescriptor(xpub, fp, params)
	if err != nil {
		t.Fatal(err)
	}
	return &engineFixture{engine: eng, client: client, desc: desc, store: store, params: params}
}

// fundAndScan pays amountSat to wallet index 0 and syncs.
func (fx *engineFixture) fundAndScan(t *testing.T, amountSat uint64, height uint32) {
	t.Helper()
	script, err := fx.desc.ScriptAt(0)
	if err != nil {
		t.Fatal(err)
	}
	fx.client.fund(script, amountSat, height)
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// externalAddress is an address the scan never reaches, so the engine
// treats it as a third-party recipient.
func (fx *engineFixture) externalAddress(t *testing.T) string {
	t.Helper()
	addr, err := fx.desc.AddressAt(10_000)
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress()
}

func TestSignAndCheckMessage(t *testing.T) {
	fx := testEngine(t, 100)

	sig, err := fx.engine.SignMessage("hello world")
	if err != nil {
		t.Fatal(err)
	}
	pub, err := fx.engine.PubKey()
	if err != nil {
		t.Fatal(err)
	}

	ok, err := fx.engine.CheckMessage("hello world", pub, sig)
	if err != nil || !ok {
		t.Fatalf("CheckMessage = %v, %v; want true, nil", ok, err)
	}

	ok, err = fx.engine.CheckMessage("hello worlds", pub, sig)
	if err != nil || ok {
		t.Fatalf("tampered message verified: %v, %v", ok, err)
	}

	// A signature that is not valid zbase32 is a clean false, not an error.
	ok, err = fx.engine.CheckMessage("hello world", pub, "!!not-zbase32!!")
	if err != nil || ok {
		t.Fatalf("garbage signature: %v, %v; want false, nil", ok, err)
	}

	// A malformed public key is the caller's mistake and errors out.
	if _, err := fx.engine.CheckMessage("hello world", "zz", sig); err == nil {
		t.Fatal("expected error for malformed public key")
	}
}

func TestNextUnusedAddressAdvancesWhileReserved(t *testing.T) {
	fx := testEngine(t, 100)

	addr1, idx1, err := fx.engine.NextUnusedAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	addr2, idx2, err := fx.engine.NextUnusedAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if addr1 == addr2 || idx1 == idx2 {
		t.Fatalf("live reservations reused: %s/%d vs %s/%d", addr1, idx1, addr2, idx2)
	}
	if idx2 != idx1+1 {
		t.Fatalf("indexes not sequential: %d then %d", idx1, idx2)
	}

	last, err := fx.store.GetLastDerivationIndex()
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || *last != idx2 {
		t.Fatalf("persisted last index = %v, want %d", last, idx2)
	}
}

func TestNextUnusedAddressReusesExpiredReservation(t *testing.T) {
	fx := testEngine(t, 100)
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	addr1, idx1, err := fx.engine.NextUnusedAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Move the tip past the reservation's expiry (inclusive).
	fx.client.tip = 105
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	addr2, idx2, err := fx.engine.NextUnusedAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr1 || idx2 != idx1 {
		t.Fatalf("expired reservation not reused: %s/%d vs %s/%d", addr2, idx2, addr1, idx1)
	}

	// The reuse re-reserved it, so an immediate next call derives fresh.
	_, idx3, err := fx.engine.NextUnusedAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if idx3 == idx1 {
		t.Fatal("renewed reservation handed out twice")
	}
}

func TestFullScanConsumesFundedReservations(t *testing.T) {
	fx := testEngine(t, 100)
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	addr1, idx1, err := fx.engine.NextUnusedAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// The reserved address receives its expected lockup on chain.
	script, err := fx.desc.ScriptAt(idx1)
	if err != nil {
		t.Fatal(err)
	}
	fx.client.fund(script, 25_000, 101)

	// The tip moves past the reservation's expiry, but the scan has now
	// observed the index used, which consumes the reservation for good.
	fx.client.tip = 110
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	n, err := fx.store.ReservationCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reservations after scan = %d, want 0", n)
	}

	addr2, idx2, err := fx.engine.NextUnusedAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if addr2 == addr1 || idx2 == idx1 {
		t.Fatalf("funded address handed out again: %s/%d", addr2, idx2)
	}
}

func TestBuildTxInsufficientFunds(t *testing.T) {
	fx := testEngine(t, 100)
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, _, err := fx.engine.BuildTx(context.Background(), 0, fx.externalAddress(t), fx.params.NativeAssetID, 10_000)
	if !payment.IsKind(err, payment.KindInsufficientFunds) {
		t.Fatalf("err = %v, want InsufficientFunds", err)
	}
}

func TestBuildTxBadAddressIsGeneric(t *testing.T) {
	fx := testEngine(t, 100)

	_, _, err := fx.engine.BuildTx(context.Background(), 0, "not-an-address", fx.params.NativeAssetID, 10_000)
	if !payment.IsKind(err, payment.KindGeneric) {
		t.Fatalf("err = %v, want Generic", err)
	}
}

func TestBuildTxSignsAndFinalizes(t *testing.T) {
	fx := testEngine(t, 100)
	fx.fundAndScan(t, 50_000, 90)

	tx, details, err := fx.engine.BuildTx(context.Background(), 0, fx.externalAddress(t), fx.params.NativeAssetID, 20_000)
	if err != nil {
		t.Fatal(err)
	}
	if got := details.NetOutflow(fx.params.NativeAssetID); got != 20_000 {
		t.Fatalf("net outflow = %d, want 20000", got)
	}
	for i, in := range tx.TxIn {
		if len(in.Witness) != 2 {
			t.Fatalf("input %d witness has %d items, want 2", i, len(in.Witness))
		}
	}
}

func TestBuildDrainTxEnforcesExactAmount(t *testing.T) {
	fx := testEngine(t, 100)
	fx.fundAndScan(t, 100_050, 90)

	enforce := uint64(100_000)
	_, _, err := fx.engine.BuildDrainTx(context.Background(), 0, fx.externalAddress(t), &enforce)
	if !payment.IsKind(err, payment.KindGeneric) {
		t.Fatalf("err = %v, want Generic on amount mismatch", err)
	}

	// Without enforcement the same drain builds fine.
	tx, details, err := fx.engine.BuildDrainTx(context.Background(), 0, fx.externalAddress(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("drain built %d outputs, want 1", len(tx.TxOut))
	}
	paid := uint64(tx.TxOut[0].Value)
	if paid+details.FeeSat != 100_050 {
		t.Fatalf("paid %d + fee %d != 100050", paid, details.FeeSat)
	}
}

func TestBuildTxOrDrainTxFallsBackForNativeAsset(t *testing.T) {
	fx := testEngine(t, 100)
	// Balance covers the amount plus exactly the one-output drain fee
	// (110 vbytes at 1 sat/vB), so the drain nets the requested amount.
	fx.fundAndScan(t, 100_110, 90)

	tx, details, err := fx.engine.BuildTxOrDrainTx(context.Background(), 0, fx.externalAddress(t), fx.params.NativeAssetID, 100_000)
	if err != nil {
		t.Fatal(err)
	}
	if got := details.NetOutflow(fx.params.NativeAssetID); got != 100_000 {
		t.Fatalf("net outflow = %d, want 100000", got)
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("fallback should drain to a single output, got %d", len(tx.TxOut))
	}
}

func TestBuildTxOrDrainTxNoFallbackForNonNativeAsset(t *testing.T) {
	fx := testEngine(t, 100)
	fx.fundAndScan(t, 100_110, 90)

	otherAsset := "00000000000000000000000000000000000000000000000000000000000000aa"
	_, _, err := fx.engine.BuildTxOrDrainTx(context.Background(), 0, fx.externalAddress(t), otherAsset, 100_000)
	if !payment.IsKind(err, payment.KindInsufficientFunds) {
		t.Fatalf("err = %v, want InsufficientFunds to propagate", err)
	}
}

func TestFullScanPersistsPreScanCheckpoint(t *testing.T) {
	fx := testEngine(t, 100)

	if err := fx.store.SetLastDerivationIndex(7); err != nil {
		t.Fatal(err)
	}
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	scanned, err := fx.store.GetLastScannedDerivationIndex()
	if err != nil {
		t.Fatal(err)
	}
	if scanned == nil || *scanned != 7 {
		t.Fatalf("scan checkpoint = %v, want 7", scanned)
	}
}

func TestFullScanRecoversFromHeightRegression(t *testing.T) {
	fx := testEngine(t, 100)
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fx.engine.Tip() != 100 {
		t.Fatalf("tip = %d, want 100", fx.engine.Tip())
	}

	// A server behind the stored tip forces a wipe and a single retry.
	fx.client.tip = 50
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fx.engine.Tip() != 50 {
		t.Fatalf("tip after recovery = %d, want 50", fx.engine.Tip())
	}
}

func TestFullScanRegressionKeepsWatchedScripts(t *testing.T) {
	fx := testEngine(t, 100)

	// A swap lockup script the wallet does not own, funded on chain.
	lockupScript := append([]byte{0x00, 0x20}, randomishBytes(32)...)
	fx.engine.WatchScript(lockupScript)
	txID := fx.client.fund(lockupScript, 40_000, 80)

	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	byID, err := fx.engine.TransactionsByTxID()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := byID[txID]; !ok {
		t.Fatal("watched script history not indexed by first scan")
	}

	// A server behind the stored tip wipes the store and retries. The
	// watch list must survive the wipe or the retried scan reconciles
	// every swap against an empty history.
	fx.client.tip = 95
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	byID, err = fx.engine.TransactionsByTxID()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := byID[txID]; !ok {
		t.Fatal("watched script history lost across wipe-and-retry")
	}

	// Explicit cache invalidation keeps the watch list too.
	if err := fx.engine.EmptyWalletCache(); err != nil {
		t.Fatal(err)
	}
	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	byID, err = fx.engine.TransactionsByTxID()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := byID[txID]; !ok {
		t.Fatal("watched script history lost across cache wipe")
	}
}

func TestEmptyWalletCacheRebuildsFromChain(t *testing.T) {
	fx := testEngine(t, 100)
	fx.fundAndScan(t, 30_000, 90)

	if err := fx.engine.EmptyWalletCache(); err != nil {
		t.Fatal(err)
	}
	if txs, _ := fx.engine.Transactions(); len(txs) != 0 {
		t.Fatalf("cache not emptied, %d txs remain", len(txs))
	}

	if err := fx.engine.FullScan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fx.engine.Balance()[fx.params.NativeAssetID]; got != 30_000 {
		t.Fatalf("balance after rescan = %d, want 30000", got)
	}
}
