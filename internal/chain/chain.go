// Package chain defines the two settlement chains the wallet operates on
// (Bitcoin and Liquid) and their per-network parameters: address encoding,
// native asset ids and confirmation thresholds.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Network represents the network the wallet runs on.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Chain identifies one of the two settlement chains.
type Chain string

const (
	Bitcoin Chain = "bitcoin"
	Liquid  Chain = "liquid"
)

// Native asset ids, hex encoded. On Bitcoin there is a single implicit
// asset; we give it a fixed id so balances on both chains share one
// representation (asset id -> signed satoshi amount).
const (
	BitcoinAssetID = "0000000000000000000000000000000000000000000000000000000000000001"

	// L-BTC asset ids per Liquid network.
	LiquidMainnetAssetID = "6f0279e9ed041c3d710a9f57d0c02928416460c4b722ae3457a11eec381c526d"
	LiquidTestnetAssetID = "144c654344aa716d6f3abcc1ca90e5641e4e2a7f633bc09fe3baf64585819a49"
	LiquidRegtestAssetID = "5ac9f65c0efcc4775e0baec4ec03abdde22473cd3cf33c0419ca290e0751b225"
)

// Params holds everything chain-dependent the wallet needs.
type Params struct {
	Chain   Chain
	Network Network

	// NativeAssetID is the fee-paying asset of the chain.
	NativeAssetID string

	// ChainParams drive address encoding/decoding via btcutil.
	ChainParams *chaincfg.Params

	// CoinType is the BIP44 coin type used in derivation paths.
	CoinType uint32

	// MinConfirmations before an on-chain event is treated as final.
	MinConfirmations uint32

	// DustLimitSat below which change outputs are dropped into the fee.
	DustLimitSat uint64
}

// NativeAsset reports whether assetID is the chain's fee-paying asset.
func (p *Params) NativeAsset(assetID string) bool {
	return assetID == p.NativeAssetID
}

// DecodeAddress decodes and validates an address for this chain.
func (p *Params) DecodeAddress(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, p.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid %s address %q: %w", p.Chain, addr, err)
	}
	if !decoded.IsForNet(p.ChainParams) {
		return nil, fmt.Errorf("address %q is not valid for %s %s", addr, p.Chain, p.Network)
	}
	return decoded, nil
}

// AddressScript returns the output script paying to addr.
func (p *Params) AddressScript(addr string) ([]byte, error) {
	decoded, err := p.DecodeAddress(addr)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}

// liquidParams builds chaincfg params for a Liquid network. Only the
// unconfidential address encodings are populated; confidential (blinded)
// addressing is handled by the swap-script library, not the wallet.
func liquidParams(network Network) *chaincfg.Params {
	base := chaincfg.MainNetParams
	switch network {
	case Mainnet:
		base.Name = "liquidv1"
		base.Bech32HRPSegwit = "ex"
		base.PubKeyHashAddrID = 0x39
		base.ScriptHashAddrID = 0x27
	case Testnet:
		base.Name = "liquidtestnet"
		base.Bech32HRPSegwit = "tex"
		base.PubKeyHashAddrID = 0x24
		base.ScriptHashAddrID = 0x13
	default:
		base.Name = "liquidregtest"
		base.Bech32HRPSegwit = "ert"
		base.PubKeyHashAddrID = 0xeb
		base.ScriptHashAddrID = 0x4b
	}
	return &base
}

func bitcoinParams(network Network) *chaincfg.Params {
	switch network {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.RegressionNetParams
	}
}

func liquidAssetID(network Network) string {
	switch network {
	case Mainnet:
		return LiquidMainnetAssetID
	case Testnet:
		return LiquidTestnetAssetID
	default:
		return LiquidRegtestAssetID
	}
}

// Get returns the parameters for a chain on a network.
func Get(c Chain, network Network) (*Params, error) {
	switch c {
	case Bitcoin:
		return &Params{
			Chain:            Bitcoin,
			Network:          network,
			NativeAssetID:    BitcoinAssetID,
			ChainParams:      bitcoinParams(network),
			CoinType:         bitcoinCoinType(network),
			MinConfirmations: 1,
			DustLimitSat:     546,
		}, nil
	case Liquid:
		return &Params{
			Chain:            Liquid,
			Network:          network,
			NativeAssetID:    liquidAssetID(network),
			ChainParams:      liquidParams(network),
			CoinType:         liquidCoinType(network),
			MinConfirmations: 1,
			DustLimitSat:     546,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported chain: %s", c)
	}
}

func bitcoinCoinType(network Network) uint32 {
	if network == Mainnet {
		return 0
	}
	return 1
}

func liquidCoinType(network Network) uint32 {
	if network == Mainnet {
		return 1776
	}
	return 1
}
