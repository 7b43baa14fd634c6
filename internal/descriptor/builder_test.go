package descriptor

import (
	"context"
	"errors"
	"testing"

	"github.com/tideswap/tidewallet/internal/chain"
)

// fundedWallet returns a wallet holding the given utxo amounts at
// consecutive derivation indexes.
func fundedWallet(t *testing.T, tip uint32, amounts ...uint64) *Wallet {
	t.Helper()
	w, _ := testWallet(t)
	client := newFakeClient(tip)
	maxIndex := uint32(len(amounts))
	for i, amount := range amounts {
		script, err := w.desc.ScriptAt(uint32(i))
		if err != nil {
			t.Fatal(err)
		}
		client.fund(script, amount, tip-1)
	}
	if err := w.FullScanToIndex(context.Background(), client, maxIndex+5); err != nil {
		t.Fatal(err)
	}
	return w
}

func recipientScript(t *testing.T, w *Wallet) []byte {
	t.Helper()
	// An unrelated p2wpkh script; index far outside the scan range.
	script, err := w.desc.ScriptAt(10_000)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

func TestBuildTxSelectsAndPaysChange(t *testing.T) {
	w := fundedWallet(t, 100, 50_000, 30_000)
	native := w.desc.params.NativeAssetID

	packet, details, err := w.NewTxBuilder().
		FeeRate(1.0).
		AddRecipient(recipientScript(t, w), native, 20_000).
		Finish()
	if err != nil {
		t.Fatal(err)
	}
	if len(packet.UnsignedTx.TxIn) == 0 {
		t.Fatal("no inputs selected")
	}
	if details.FeeSat == 0 {
		t.Fatal("fee should be nonzero")
	}
	// Wallet pays amount + fee.
	if got := details.NetOutflow(native); got != 20_000 {
		t.Fatalf("net outflow = %d, want 20000", got)
	}
	// Change output present: recipient + change.
	if len(packet.UnsignedTx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want 2", len(packet.UnsignedTx.TxOut))
	}
	// Every input carries witness utxo and derivation for the signer.
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			t.Fatalf("input %d missing witness utxo", i)
		}
		if len(in.Bip32Derivation) != 1 {
			t.Fatalf("input %d missing derivation", i)
		}
	}
}

func TestBuildTxInsufficientFunds(t *testing.T) {
	w := fundedWallet(t, 100, 10_000)
	native := w.desc.params.NativeAssetID

	_, _, err := w.NewTxBuilder().
		AddRecipient(recipientScript(t, w), native, 50_000).
		Finish()
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuildTxAmountPlusFeeJustOverBalance(t *testing.T) {
	// 100050 available, amount 100000: fee pushes the target over the
	// balance, so plain build fails.
	w := fundedWallet(t, 100, 100_050)
	native := w.desc.params.NativeAssetID

	_, _, err := w.NewTxBuilder().
		FeeRate(1.0).
		AddRecipient(recipientScript(t, w), native, 100_000).
		Finish()
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestDrainSpendsEverything(t *testing.T) {
	w := fundedWallet(t, 100, 60_000, 40_000)
	native := w.desc.params.NativeAssetID

	packet, details, err := w.NewTxBuilder().
		FeeRate(1.0).
		DrainTo(recipientScript(t, w)).
		Finish()
	if err != nil {
		t.Fatal(err)
	}
	if len(packet.UnsignedTx.TxIn) != 2 {
		t.Fatalf("drain selected %d inputs, want 2", len(packet.UnsignedTx.TxIn))
	}
	if len(packet.UnsignedTx.TxOut) != 1 {
		t.Fatalf("drain built %d outputs, want 1", len(packet.UnsignedTx.TxOut))
	}
	paid := uint64(packet.UnsignedTx.TxOut[0].Value)
	if paid+details.FeeSat != 100_000 {
		t.Fatalf("paid %d + fee %d != 100000", paid, details.FeeSat)
	}
	if got := details.NetOutflow(native); got != paid {
		t.Fatalf("net outflow = %d, want %d", got, paid)
	}
}

func TestDrainEmptyWallet(t *testing.T) {
	w, _ := testWallet(t)
	_, _, err := w.NewTxBuilder().DrainTo([]byte{0x51}).Finish()
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuildTxRejectsDust(t *testing.T) {
	w := fundedWallet(t, 100, 50_000)
	native := w.desc.params.NativeAssetID
	_, _, err := w.NewTxBuilder().
		AddRecipient(recipientScript(t, w), native, 100).
		Finish()
	if err == nil {
		t.Fatal("expected error for dust amount")
	}
}

func TestDescriptorDeterministicAddresses(t *testing.T) {
	w, _ := testWallet(t)
	addr1, err := w.AddressAt(0)
	if err != nil {
		t.Fatal(err)
	}
	addr2, err := w.AddressAt(0)
	if err != nil {
		t.Fatal(err)
	}
	if addr1.EncodeAddress() != addr2.EncodeAddress() {
		t.Fatal("address derivation must be deterministic")
	}
	params, err := chain.Get(chain.Bitcoin, chain.Regtest)
	if err != nil {
		t.Fatal(err)
	}
	if !addr1.IsForNet(params.ChainParams) {
		t.Fatal("address should be for regtest")
	}
}
