package swapscript

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/tideswap/tidewallet/internal/chain"
)

func testKeys(t *testing.T) (*btcec.PublicKey, *btcec.PublicKey) {
	t.Helper()
	claimPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	refundPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return claimPriv.PubKey(), refundPriv.PubKey()
}

func TestBuildLockupRoundTrip(t *testing.T) {
	claimPub, refundPub := testKeys(t)
	preimage, paymentHash, err := GeneratePreimage()
	if err != nil {
		t.Fatal(err)
	}
	params, err := chain.Get(chain.Bitcoin, chain.Regtest)
	if err != nil {
		t.Fatal(err)
	}

	lockup, err := BuildLockup(paymentHash, claimPub, refundPub, 800_000, params)
	if err != nil {
		t.Fatal(err)
	}
	if lockup.Address == "" {
		t.Fatal("missing p2wsh address")
	}

	gotHash, gotClaim, gotRefund, gotTimeout, err := ParseLockupScript(lockup.Script)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotHash, paymentHash) {
		t.Error("payment hash mismatch")
	}
	if !bytes.Equal(gotClaim, claimPub.SerializeCompressed()) {
		t.Error("claim pubkey mismatch")
	}
	if !bytes.Equal(gotRefund, refundPub.SerializeCompressed()) {
		t.Error("refund pubkey mismatch")
	}
	if gotTimeout != 800_000 {
		t.Errorf("timeout = %d, want 800000", gotTimeout)
	}

	if !VerifyPreimage(preimage, paymentHash) {
		t.Error("preimage should verify against its hash")
	}
}

func TestBuildLockupScriptValidation(t *testing.T) {
	claimPub, refundPub := testKeys(t)
	hash := sha256.Sum256([]byte("x"))

	tests := []struct {
		name    string
		hash    []byte
		claim   []byte
		refund  []byte
		timeout uint32
	}{
		{"short hash", hash[:16], claimPub.SerializeCompressed(), refundPub.SerializeCompressed(), 100},
		{"bad claim key", hash[:], claimPub.SerializeUncompressed(), refundPub.SerializeCompressed(), 100},
		{"bad refund key", hash[:], claimPub.SerializeCompressed(), refundPub.SerializeUncompressed(), 100},
		{"zero timeout", hash[:], claimPub.SerializeCompressed(), refundPub.SerializeCompressed(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildLockupScript(tt.hash, tt.claim, tt.refund, tt.timeout); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestScriptPubKeyShape(t *testing.T) {
	claimPub, refundPub := testKeys(t)
	hash := sha256.Sum256([]byte("preimage"))
	params, err := chain.Get(chain.Bitcoin, chain.Mainnet)
	if err != nil {
		t.Fatal(err)
	}
	lockup, err := BuildLockup(hash[:], claimPub, refundPub, 123_456, params)
	if err != nil {
		t.Fatal(err)
	}
	spk := lockup.ScriptPubKey()
	if len(spk) != 34 || spk[0] != 0x00 || spk[1] != 0x20 {
		t.Fatalf("unexpected p2wsh scriptPubKey: %x", spk)
	}
	if !bytes.Equal(spk, P2WSHScriptPubKey(lockup.Script)) {
		t.Fatal("ScriptPubKey and P2WSHScriptPubKey disagree")
	}
}

func TestWitnessStacks(t *testing.T) {
	sig := []byte{0x30, 0x44}
	preimage := make([]byte, 32)
	script := []byte{0x63}

	claim := ClaimWitness(sig, preimage, script)
	if len(claim) != 4 || !bytes.Equal(claim[2], []byte{0x01}) {
		t.Fatalf("unexpected claim witness: %v", claim)
	}
	refund := RefundWitness(sig, script)
	if len(refund) != 3 || len(refund[1]) != 0 {
		t.Fatalf("unexpected refund witness: %v", refund)
	}
}

func TestVerifyPreimageRejects(t *testing.T) {
	preimage, paymentHash, err := GeneratePreimage()
	if err != nil {
		t.Fatal(err)
	}
	wrong := make([]byte, 32)
	copy(wrong, preimage)
	wrong[0] ^= 0xff
	if VerifyPreimage(wrong, paymentHash) {
		t.Fatal("mutated preimage should not verify")
	}
	if VerifyPreimage(preimage[:16], paymentHash) {
		t.Fatal("short preimage should not verify")
	}
}
