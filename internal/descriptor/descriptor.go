// Package descriptor implements a watch-only wallet over a single native
// segwit descriptor: address derivation, a persistent local transaction
// index fed by full scans, and PSBT construction for spends. It holds no
// private keys; signing happens elsewhere against the PSBTs it produces.
package descriptor

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"

	"github.com/tideswap/tidewallet/internal/chain"
)

// Descriptor is a wpkh(xpub/0/*) single-branch descriptor: one account
// xpub, external addresses only, native segwit.
type Descriptor struct {
	xpub        *hdkeychain.ExtendedKey
	params      *chain.Params
	fingerprint [4]byte
}

// NewDescriptor builds a descriptor from an account-level xpub
// (m/84'/coin'/0') and the master key fingerprint used in PSBT
// derivation records.
func NewDescriptor(xpub *hdkeychain.ExtendedKey, fingerprint [4]byte, params *chain.Params) (*Descriptor, error) {
	if xpub.IsPrivate() {
		return nil, fmt.Errorf("descriptor requires a neutered key")
	}
	return &Descriptor{xpub: xpub, params: params, fingerprint: fingerprint}, nil
}

// Params returns the chain parameters the descriptor derives for.
func (d *Descriptor) Params() *chain.Params {
	return d.params
}

// ID returns a stable identifier for the descriptor, used to detect a
// snapshot written by a different wallet.
func (d *Descriptor) ID() string {
	return fmt.Sprintf("wpkh(%s/0/*)", d.xpub.String())
}

// PubKeyAt derives the compressed public key at /0/index.
func (d *Descriptor) PubKeyAt(index uint32) ([]byte, error) {
	branch, err := d.xpub.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive branch: %w", err)
	}
	leaf, err := branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}
	pub, err := leaf.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("leaf pubkey: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// AddressAt derives the p2wpkh address at /0/index.
func (d *Descriptor) AddressAt(index uint32) (btcutil.Address, error) {
	pub, err := d.PubKeyAt(index)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), d.params.ChainParams)
}

// ScriptAt derives the p2wpkh scriptPubKey at /0/index.
func (d *Descriptor) ScriptAt(index uint32) ([]byte, error) {
	addr, err := d.AddressAt(index)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// DerivationPath returns the non-hardened path suffix for index, as it
// appears in PSBT BIP32 derivation records.
func (d *Descriptor) DerivationPath(index uint32) []uint32 {
	return []uint32{0, index}
}

// MasterFingerprint returns the fingerprint as the little-endian uint32
// the PSBT format expects.
func (d *Descriptor) MasterFingerprint() uint32 {
	return binary.LittleEndian.Uint32(d.fingerprint[:])
}
