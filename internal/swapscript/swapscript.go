// Package swapscript builds and inspects the lockup scripts that settle
// swaps on-chain. A lockup output has two mutually exclusive spend
// paths: claim with the payment preimage, or refund after an absolute
// timeout height.
package swapscript

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/tideswap/tidewallet/internal/chain"
	"github.com/tideswap/tidewallet/pkg/helpers"
)

// Lockup bundles a built lockup script with its derived material.
type Lockup struct {
	// The full witness script.
	Script []byte

	// P2WSH address encoding of the script.
	Address string

	// SHA256 of the script, the witness program of the lockup output.
	ScriptHash []byte

	// Components
	PaymentHash   []byte // SHA256 hash the claimer must preimage
	ClaimPubKey   []byte // compressed key allowed to claim
	RefundPubKey  []byte // compressed key allowed to refund
	TimeoutHeight uint32 // absolute height after which refund is valid
}

// BuildLockupScript creates the swap lockup witness script.
//
// Script structure:
//
//	OP_IF
//	    OP_SHA256 <payment_hash> OP_EQUALVERIFY
//	    <claim_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <timeout_height> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refund_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// Claim path (OP_IF branch): preimage + claimer signature.
// Refund path (OP_ELSE branch): refunder signature once the chain tip
// passes the absolute timeout height.
func BuildLockupScript(paymentHash, claimPubKey, refundPubKey []byte, timeoutHeight uint32) ([]byte, error) {
	if len(paymentHash) != 32 {
		return nil, fmt.Errorf("payment hash must be 32 bytes, got %d", len(paymentHash))
	}
	if len(claimPubKey) != 33 {
		return nil, fmt.Errorf("claim pubkey must be 33 bytes (compressed), got %d", len(claimPubKey))
	}
	if len(refundPubKey) != 33 {
		return nil, fmt.Errorf("refund pubkey must be 33 bytes (compressed), got %d", len(refundPubKey))
	}
	if timeoutHeight == 0 {
		return nil, fmt.Errorf("timeout height must be greater than 0")
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(paymentHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(claimPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timeoutHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// BuildLockup creates the complete lockup bundle for the given chain.
func BuildLockup(
	paymentHash []byte,
	claimPubKey, refundPubKey *btcec.PublicKey,
	timeoutHeight uint32,
	params *chain.Params,
) (*Lockup, error) {
	claimBytes := claimPubKey.SerializeCompressed()
	refundBytes := refundPubKey.SerializeCompressed()

	script, err := BuildLockupScript(paymentHash, claimBytes, refundBytes, timeoutHeight)
	if err != nil {
		return nil, fmt.Errorf("build lockup script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("derive p2wsh address: %w", err)
	}

	return &Lockup{
		Script:        script,
		Address:       address.EncodeAddress(),
		ScriptHash:    scriptHash[:],
		PaymentHash:   paymentHash,
		ClaimPubKey:   claimBytes,
		RefundPubKey:  refundBytes,
		TimeoutHeight: timeoutHeight,
	}, nil
}

// ScriptPubKey returns the lockup output's P2WSH scriptPubKey:
// OP_0 <32-byte script hash>.
func (l *Lockup) ScriptPubKey() []byte {
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(l.ScriptHash).
		Script()
	return script
}

// ScriptHex returns the witness script as hex.
func (l *Lockup) ScriptHex() string {
	return hex.EncodeToString(l.Script)
}

// P2WSHScriptPubKey computes the P2WSH scriptPubKey of any witness
// script.
func P2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	scriptPubKey, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	return scriptPubKey
}

// ClaimWitness builds the witness stack for the claim path.
//
// Stack (bottom to top): <signature> <preimage> <1> <script>
func ClaimWitness(signature, preimage, script []byte) [][]byte {
	return [][]byte{
		signature,
		preimage,
		{0x01}, // select the OP_IF branch
		script,
	}
}

// RefundWitness builds the witness stack for the refund path.
//
// Stack (bottom to top): <signature> <0> <script>
func RefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{}, // empty selects the OP_ELSE branch
		script,
	}
}

// GeneratePreimage generates a 32-byte preimage and its SHA256 payment
// hash.
func GeneratePreimage() (preimage, paymentHash []byte, err error) {
	preimage, err = helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, nil, fmt.Errorf("generate preimage: %w", err)
	}
	hashArray := sha256.Sum256(preimage)
	return preimage, hashArray[:], nil
}

// VerifyPreimage checks a preimage against its expected payment hash in
// constant time.
func VerifyPreimage(preimage, paymentHash []byte) bool {
	if len(preimage) != 32 || len(paymentHash) != 32 {
		return false
	}
	actual := sha256.Sum256(preimage)
	return helpers.ConstantTimeCompare(actual[:], paymentHash)
}

// ParseLockupScript extracts the components of a lockup script built by
// BuildLockupScript. Used to validate counterparty-provided scripts
// before funding them.
func ParseLockupScript(script []byte) (paymentHash, claimPubKey, refundPubKey []byte, timeoutHeight uint32, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_IF {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_IF")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_SHA256 {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_SHA256")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected payment hash")
	}
	paymentHash = tokenizer.Data()
	if len(paymentHash) != 32 {
		return nil, nil, nil, 0, fmt.Errorf("payment hash must be 32 bytes")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_EQUALVERIFY {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_EQUALVERIFY")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected claim pubkey")
	}
	claimPubKey = tokenizer.Data()
	if len(claimPubKey) != 33 {
		return nil, nil, nil, 0, fmt.Errorf("claim pubkey must be 33 bytes")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ELSE {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_ELSE")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected timeout height")
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		timeoutHeight = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 {
			return nil, nil, nil, 0, fmt.Errorf("invalid timeout height: expected data push")
		}
		for i := 0; i < len(data); i++ {
			timeoutHeight |= uint32(data[i]) << (8 * i)
		}
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKLOCKTIMEVERIFY {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_CHECKLOCKTIMEVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DROP {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_DROP")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected refund pubkey")
	}
	refundPubKey = tokenizer.Data()
	if len(refundPubKey) != 33 {
		return nil, nil, nil, 0, fmt.Errorf("refund pubkey must be 33 bytes")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ENDIF {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_ENDIF")
	}

	return paymentHash, claimPubKey, refundPubKey, timeoutHeight, nil
}
