package chain

import "testing"

func TestGet(t *testing.T) {
	tests := []struct {
		chain     Chain
		network   Network
		wantAsset string
		wantHRP   string
		wantErr   bool
	}{
		{Bitcoin, Mainnet, BitcoinAssetID, "bc", false},
		{Bitcoin, Testnet, BitcoinAssetID, "tb", false},
		{Bitcoin, Regtest, BitcoinAssetID, "bcrt", false},
		{Liquid, Mainnet, LiquidMainnetAssetID, "ex", false},
		{Liquid, Testnet, LiquidTestnetAssetID, "tex", false},
		{Liquid, Regtest, LiquidRegtestAssetID, "ert", false},
		{Chain("dogecoin"), Mainnet, "", "", true},
	}

	for _, tt := range tests {
		params, err := Get(tt.chain, tt.network)
		if (err != nil) != tt.wantErr {
			t.Errorf("Get(%s, %s) error = %v, wantErr %v", tt.chain, tt.network, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if params.NativeAssetID != tt.wantAsset {
			t.Errorf("Get(%s, %s) NativeAssetID = %s, want %s", tt.chain, tt.network, params.NativeAssetID, tt.wantAsset)
		}
		if params.ChainParams.Bech32HRPSegwit != tt.wantHRP {
			t.Errorf("Get(%s, %s) HRP = %s, want %s", tt.chain, tt.network, params.ChainParams.Bech32HRPSegwit, tt.wantHRP)
		}
	}
}

func TestDecodeAddress(t *testing.T) {
	params, err := Get(Bitcoin, Mainnet)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Genesis coinbase address.
	addr, err := params.DecodeAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	script, err := params.AddressScript(addr.String())
	if err != nil {
		t.Fatalf("AddressScript() error = %v", err)
	}
	if len(script) == 0 {
		t.Error("AddressScript() returned empty script")
	}

	// Bech32 P2WPKH.
	if _, err := params.DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"); err != nil {
		t.Errorf("DecodeAddress(bech32) error = %v", err)
	}

	// Wrong network.
	if _, err := params.DecodeAddress("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"); err == nil {
		t.Error("DecodeAddress(testnet addr on mainnet) should fail")
	}

	// Garbage.
	if _, err := params.DecodeAddress("not-an-address"); err == nil {
		t.Error("DecodeAddress(garbage) should fail")
	}
}

func TestNativeAsset(t *testing.T) {
	params, _ := Get(Liquid, Mainnet)
	if !params.NativeAsset(LiquidMainnetAssetID) {
		t.Error("L-BTC should be the Liquid native asset")
	}
	if params.NativeAsset(BitcoinAssetID) {
		t.Error("Bitcoin asset id should not be native on Liquid")
	}
}
