package network

import (
	"context"

	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/tidwall/gjson"
)

// AlgodNode is a Node backed by an algod REST endpoint.
type AlgodNode struct {
	client *algod.Client
}

func NewAlgodNode(address, token string) (*AlgodNode, error) {
	client, err := algod.MakeClient(address, token)
	if err != nil {
		return nil, errors.Wrapf(err, "algod client for %s", address)
	}
	return &AlgodNode{client: client}, nil
}

func (n *AlgodNode) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	params, err := n.client.SuggestedParams().Do(ctx)
	if err != nil {
		return types.SuggestedParams{}, errors.Wrap(err, "suggested params")
	}
	return params, nil
}

func (n *AlgodNode) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	txid, err := n.client.SendRawTransaction(raw).Do(ctx)
	if err != nil {
		return "", errors.Wrap(err, "send raw transaction")
	}
	return txid, nil
}

func (n *AlgodNode) WaitForConfirmation(ctx context.Context, txid string, maxRounds uint64) (uint64, error) {
	info, err := transaction.WaitForConfirmation(n.client, txid, maxRounds, ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "wait for %s", txid)
	}
	return info.ConfirmedRound, nil
}

func (n *AlgodNode) Genesis(ctx context.Context) (string, string, error) {
	raw, err := n.client.GetGenesis().Do(ctx)
	if err != nil {
		return "", "", errors.Wrap(err, "genesis")
	}
	return gjson.Get(raw, "network").String(), gjson.Get(raw, "id").String(), nil
}
