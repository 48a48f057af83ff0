// Package network describes the AVM chain adapters sign for and the node they submit to.
package network

import (
	"bytes"
	"context"
	"encoding/base64"

	"avm.io/avm-wallet/internal/chains"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// DefaultWaitRounds bounds how long a submitted group is awaited.
const DefaultWaitRounds = 4

// Node is the part of an algod client the wallet layer needs.
type Node interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	WaitForConfirmation(ctx context.Context, txid string, maxRounds uint64) (uint64, error)
	Genesis(ctx context.Context) (network string, id string, err error)
}

// Config identifies the chain for one session. Values are never mutated after creation.
type Config struct {
	Node        Node
	GenesisHash []byte
	GenesisID   string
	ChainID     string
}

// NewConfig queries node for the genesis parameters and derives the chain id.
func NewConfig(ctx context.Context, node Node) (Config, error) {
	params, err := node.SuggestedParams(ctx)
	if err != nil {
		return Config{}, errors.Wrap(err, "fetch suggested params")
	}
	if len(params.GenesisHash) == 0 {
		return Config{}, errors.New("node returned empty genesis hash")
	}
	return Config{
		Node:        node,
		GenesisHash: params.GenesisHash,
		GenesisID:   params.GenesisID,
		ChainID:     chains.ChainID(params.GenesisHash),
	}, nil
}

// FromChain builds a config for a known chain without querying the node.
func FromChain(node Node, b *chains.Blockchain) Config {
	hash := b.GenesisHashBytes()
	return Config{
		Node:        node,
		GenesisHash: hash,
		GenesisID:   b.GenesisID,
		ChainID:     chains.ChainID(hash),
	}
}

// GenesisHashB64 is the display form of the genesis hash.
func (c Config) GenesisHashB64() string {
	return base64.StdEncoding.EncodeToString(c.GenesisHash)
}

// SameChain reports whether both configs address the same chain.
func (c Config) SameChain(o Config) bool {
	return bytes.Equal(c.GenesisHash, o.GenesisHash) && c.GenesisID == o.GenesisID && c.ChainID == o.ChainID
}
