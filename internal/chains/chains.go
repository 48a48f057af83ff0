package chains

import (
	"encoding/base64"
	"strings"
)

// Namespace is the CAIP-2 namespace shared by every AVM chain on the WalletConnect wire.
const Namespace = "algorand"

type Blockchain struct {
	Name        string
	GenesisID   string
	GenesisHash string
}

// ChainID returns the CAIP-2 identifier of the chain.
func (b *Blockchain) ChainID() string {
	hash, err := base64.StdEncoding.DecodeString(b.GenesisHash)
	if err != nil {
		return ""
	}
	return ChainID(hash)
}

// GenesisHashBytes decodes the base64 genesis hash.
func (b *Blockchain) GenesisHashBytes() []byte {
	hash, _ := base64.StdEncoding.DecodeString(b.GenesisHash)
	return hash
}

var (
	Array = []*Blockchain{
		{
			Name:        "mainnet",
			GenesisID:   "mainnet-v1.0",
			GenesisHash: "wGHE2Pwdvd7S12BL5FaOP20EGYesN73ktiC1qzkkit8=",
		},
		{
			Name:        "testnet",
			GenesisID:   "testnet-v1.0",
			GenesisHash: "SGO1GKSzyE7IEPItTxCByw9x8FmnrCDexi9/cOUJOiI=",
		},
		{
			Name:        "betanet",
			GenesisID:   "betanet-v1.0",
			GenesisHash: "mFgazF+2uRS1tMiL9dsj01hJGySEmPN28B/TjjvpVW0=",
		},
		{
			Name:        "voimain",
			GenesisID:   "voimain-v1.0",
			GenesisHash: "r20fSQI8gWe/kFZziNonSPCXLwcQmH/nxROvnnueWOk=",
		},
		{
			Name:        "voitest",
			GenesisID:   "voitest-v1",
			GenesisHash: "IXnoWtviVVJW5LGivNFc0Dq14V3kqaXuK2u5OQrdVZo=",
		},
	}

	Mapping = func() map[string]*Blockchain {
		m := make(map[string]*Blockchain, len(Array))
		for _, b := range Array {
			m[b.Name] = b
		}
		return m
	}()
)

// ByName returns the known chain with the given short name.
func ByName(name string) (*Blockchain, bool) {
	b, ok := Mapping[strings.ToLower(name)]
	return b, ok
}

// ByGenesisID returns the known chain with the given genesis id.
func ByGenesisID(genesisID string) (*Blockchain, bool) {
	for _, b := range Array {
		if b.GenesisID == genesisID {
			return b, true
		}
	}
	return nil, false
}

// ChainID derives "algorand:<first 32 chars of base64 genesis hash>" with '/' replaced by '_'.
func ChainID(genesisHash []byte) string {
	ref := base64.StdEncoding.EncodeToString(genesisHash)
	if len(ref) > 32 {
		ref = ref[:32]
	}
	return Namespace + ":" + strings.ReplaceAll(ref, "/", "_")
}

// IsAVMChain reports whether a CAIP-2 chain id belongs to the algorand namespace.
func IsAVMChain(chainID string) bool {
	return strings.HasPrefix(chainID, Namespace+":")
}
