// Package signer holds the wallet's key material and produces every
// signature the daemon needs: BIP84 PSBT inputs and recoverable
// signatures over message digests. Nothing outside this package touches
// private keys.
package signer

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/tideswap/tidewallet/internal/chain"
)

// bip84Purpose is the purpose level for native segwit derivation.
const bip84Purpose = 84

// Signer signs on behalf of the wallet without exposing key material.
type Signer interface {
	// AccountXpub returns the extended public key at m/84'/coin'/0'.
	AccountXpub() (*hdkeychain.ExtendedKey, error)

	// SignPsbt fills in partial signatures for every input whose BIP32
	// derivation the signer controls. The packet is modified in place.
	SignPsbt(packet *psbt.Packet) error

	// SignRecoverable produces a compact recoverable ECDSA signature
	// over a 32-byte digest.
	SignRecoverable(digest []byte) ([]byte, error)

	// PublicKey returns the compressed master public key.
	PublicKey() ([]byte, error)

	// Fingerprint returns the BIP32 master key fingerprint.
	Fingerprint() ([4]byte, error)
}

// MnemonicSigner derives everything from a BIP39 mnemonic.
type MnemonicSigner struct {
	mu        sync.Mutex
	masterKey *hdkeychain.ExtendedKey
	params    *chain.Params

	// derivation cache keyed by change/index
	cache map[uint64]*hdkeychain.ExtendedKey
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// GenerateMnemonic creates a fresh 12-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// NewMnemonicSigner builds a signer from a mnemonic and optional BIP39
// passphrase for the given chain parameters.
func NewMnemonicSigner(mnemonic, passphrase string, params *chain.Params) (*MnemonicSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)

	masterKey, err := hdkeychain.NewMaster(seed, params.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &MnemonicSigner{
		masterKey: masterKey,
		params:    params,
		cache:     make(map[uint64]*hdkeychain.ExtendedKey),
	}, nil
}

// accountKey derives m/84'/coin'/0'.
func (s *MnemonicSigner) accountKey() (*hdkeychain.ExtendedKey, error) {
	purposeKey, err := s.masterKey.Derive(hdkeychain.HardenedKeyStart + bip84Purpose)
	if err != nil {
		return nil, fmt.Errorf("derive purpose: %w", err)
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + s.params.CoinType)
	if err != nil {
		return nil, fmt.Errorf("derive coin type: %w", err)
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, fmt.Errorf("derive account: %w", err)
	}
	return accountKey, nil
}

// AccountXpub returns the watch-only extended public key.
func (s *MnemonicSigner) AccountXpub() (*hdkeychain.ExtendedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, err := s.accountKey()
	if err != nil {
		return nil, err
	}
	return acct.Neuter()
}

// deriveKey returns the private key at m/84'/coin'/0'/change/index.
func (s *MnemonicSigner) deriveKey(change, index uint32) (*hdkeychain.ExtendedKey, error) {
	cacheKey := uint64(change)<<32 | uint64(index)
	if key, ok := s.cache[cacheKey]; ok {
		return key, nil
	}
	acct, err := s.accountKey()
	if err != nil {
		return nil, err
	}
	changeKey, err := acct.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("derive change: %w", err)
	}
	key, err := changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index: %w", err)
	}
	s.cache[cacheKey] = key
	return key, nil
}

// DerivePrivKey exposes the leaf private key for swap script signing,
// where the counterparty script requires a raw key rather than a
// descriptor path.
func (s *MnemonicSigner) DerivePrivKey(change, index uint32) (*btcec.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.deriveKey(change, index)
	if err != nil {
		return nil, err
	}
	return key.ECPrivKey()
}

// SignPsbt signs every input carrying a BIP32 derivation that matches one
// of the signer's leaf keys. Inputs it does not control are left alone.
func (s *MnemonicSigner) SignPsbt(packet *psbt.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, psbtPrevOutFetcher(packet))

	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if in.WitnessUtxo == nil || len(in.Bip32Derivation) == 0 {
			continue
		}
		if len(in.PartialSigs) > 0 {
			continue // already signed
		}
		for _, deriv := range in.Bip32Derivation {
			path := deriv.Bip32Path
			if len(path) < 2 {
				continue
			}
			change, index := path[len(path)-2], path[len(path)-1]
			key, err := s.deriveKey(change, index)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			privKey, err := key.ECPrivKey()
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			pubKey := privKey.PubKey().SerializeCompressed()
			if !bytes.Equal(pubKey, deriv.PubKey) {
				continue // derivation belongs to another signer
			}
			// p2wpkh witness signing needs the implied p2pkh script.
			pkHash := btcutil.Hash160(pubKey)
			sigScript, err := txscript.NewScriptBuilder().
				AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
				AddData(pkHash).
				AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
				Script()
			if err != nil {
				return fmt.Errorf("input %d: build script: %w", i, err)
			}
			sig, err := txscript.RawTxInWitnessSignature(
				packet.UnsignedTx, sigHashes, i,
				in.WitnessUtxo.Value, sigScript,
				txscript.SigHashAll, privKey,
			)
			if err != nil {
				return fmt.Errorf("input %d: sign: %w", i, err)
			}
			in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
				PubKey:    pubKey,
				Signature: sig,
			})
		}
	}
	return nil
}

// SignRecoverable signs a 32-byte digest with the master key, returning a
// 65-byte compact signature with the recovery id in the header byte.
func (s *MnemonicSigner) SignRecoverable(digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	privKey, err := s.masterKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("master private key: %w", err)
	}
	return ecdsa.SignCompact(privKey, digest, true), nil
}

// PublicKey returns the compressed master public key.
func (s *MnemonicSigner) PublicKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pubKey, err := s.masterKey.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("master public key: %w", err)
	}
	return pubKey.SerializeCompressed(), nil
}

// Fingerprint returns the first four bytes of HASH160 of the master
// public key.
func (s *MnemonicSigner) Fingerprint() ([4]byte, error) {
	var fp [4]byte
	pubKey, err := s.PublicKey()
	if err != nil {
		return fp, err
	}
	copy(fp[:], btcutil.Hash160(pubKey)[:4])
	return fp, nil
}

// psbtPrevOutFetcher builds a prevout fetcher from the packet's witness
// utxos so sighash computation sees every spent output.
func psbtPrevOutFetcher(packet *psbt.Packet) txscript.PrevOutputFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			continue
		}
		op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		fetcher.AddPrevOut(op, in.WitnessUtxo)
	}
	return fetcher
}
