package qrpair

import (
	"context"
	"testing"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/chains"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/internal/walletconnect"
	"avm.io/avm-wallet/internal/wcbridge"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "7ZUECA7HFLZTXENRV24SHLU4AVPUTMTTDUFUBNBD64C73F3UHRTHAIOF6Q"

type fakeClient struct {
	opts wcbridge.Options

	restored      []string
	restoreErr    error
	paired        []string
	pairErr       error
	disconnectErr error

	restoreCalls, pairCalls, disconnectCalls int
	closed                                   bool
	signed                                   []wcbridge.TxnToSign
	message                                  string
}

func (c *fakeClient) ReconnectSession(context.Context) ([]string, error) {
	c.restoreCalls++
	return c.restored, c.restoreErr
}

func (c *fakeClient) Connect(_ context.Context, display wcbridge.DisplayFn) ([]string, error) {
	c.pairCalls++
	display("wc:topic@1?bridge=x&key=y", []byte("png"))
	return c.paired, c.pairErr
}

func (c *fakeClient) SignTransactions(_ context.Context, txns []wcbridge.TxnToSign, message string) ([][]byte, error) {
	c.signed, c.message = txns, message
	out := make([][]byte, len(txns))
	for i, t := range txns {
		if t.Signers == nil {
			out[i] = []byte{byte(i + 1)}
		}
	}
	return out, nil
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.disconnectCalls++
	return c.disconnectErr
}

func (c *fakeClient) Close() { c.closed = true }

func newTestAdapter(t *testing.T, brand Brand, client *fakeClient) *Adapter {
	t.Helper()
	a := New(brand, Options{NewClient: func(o wcbridge.Options) Client {
		client.opts = o
		return client
	}})
	testnet, _ := chains.ByName("testnet")
	require.NoError(t, a.Initialize(context.Background(), network.FromChain(nil, testnet)))
	return a
}

func TestBrands(t *testing.T) {
	pera := NewPera(Options{})
	defly := NewDefly(Options{})
	assert.Equal(t, adapter.Pera, pera.ID())
	assert.Equal(t, "Defly Wallet", defly.Name())
	assert.True(t, defly.SupportsAuth())
	assert.False(t, pera.IsWatchOnly())

	client := &fakeClient{}
	newTestAdapter(t, DeflyBrand, client)
	assert.Equal(t, DeflyBrand.StorageKey, client.opts.StorageKey)
	assert.Equal(t, DeflyBrand.BridgeURL, client.opts.BridgeURL)
	assert.Equal(t, wcbridge.AlgorandChainID, client.opts.ChainID)

	scoped := New(PeraBrand, Options{Scope: "voi"})
	assert.Equal(t, "PeraWallet.Wallet.voi", scoped.StorageKey())
}

func TestRequiresInitialize(t *testing.T) {
	a := NewPera(Options{})
	_, err := a.Connect(context.Background())
	assert.ErrorIs(t, err, adapter.ErrNotInitialized)
	_, err = a.Reconnect(context.Background())
	assert.ErrorIs(t, err, adapter.ErrNotInitialized)
}

func TestReconnectNeverPairs(t *testing.T) {
	client := &fakeClient{paired: []string{addr}}
	a := newTestAdapter(t, PeraBrand, client)

	accounts, err := a.Reconnect(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, accounts)
	assert.Zero(t, client.pairCalls)
	assert.False(t, a.IsConnected())

	client.restoreErr = errors.New("bridge unreachable")
	accounts, err = a.Reconnect(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, accounts)
}

func TestConnectPairsWhenNothingRestored(t *testing.T) {
	client := &fakeClient{paired: []string{addr}}
	a := newTestAdapter(t, PeraBrand, client)
	var modal []walletconnect.ModalEvent
	a.Events().OnModal(walletconnect.DefaultScope, func(ev walletconnect.ModalEvent) { modal = append(modal, ev) })

	accounts, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []adapter.Account{{Address: addr}}, accounts)
	assert.True(t, a.IsConnected())
	assert.Equal(t, 1, client.restoreCalls)
	assert.Equal(t, 1, client.pairCalls)

	require.Len(t, modal, 2)
	assert.Equal(t, walletconnect.ModalShow, modal[0].Type)
	assert.Equal(t, "Pera Wallet", modal[0].WalletName)
	assert.Equal(t, []byte("png"), modal[0].QRCode)
	assert.Equal(t, walletconnect.ModalHide, modal[1].Type)
}

func TestConnectRestoresSilently(t *testing.T) {
	client := &fakeClient{restored: []string{addr}}
	a := newTestAdapter(t, PeraBrand, client)

	accounts, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
	assert.Zero(t, client.pairCalls)

	accounts, err = a.Reconnect(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestConnectRejected(t *testing.T) {
	client := &fakeClient{pairErr: errors.New("session rejected")}
	a := newTestAdapter(t, DeflyBrand, client)

	_, err := a.Connect(context.Background())
	assert.EqualError(t, err, "session rejected")
	assert.False(t, a.IsConnected())
	assert.Empty(t, a.Accounts())
}

func TestDisconnectClearsStateOnError(t *testing.T) {
	client := &fakeClient{restored: []string{addr}, disconnectErr: errors.New("bridge not connected")}
	a := newTestAdapter(t, PeraBrand, client)
	_, err := a.Connect(context.Background())
	require.NoError(t, err)

	assert.NoError(t, a.Disconnect(context.Background()))
	assert.False(t, a.IsConnected())
	assert.Empty(t, a.Accounts())
	assert.Equal(t, 1, client.disconnectCalls)
}

func TestSignTransactionsPayload(t *testing.T) {
	client := &fakeClient{restored: []string{addr}}
	a := newTestAdapter(t, PeraBrand, client)
	sender, err := types.DecodeAddress(addr)
	require.NoError(t, err)
	tx := types.Transaction{Type: types.PaymentTx, Header: types.Header{Sender: sender, FirstValid: 1, LastValid: 2}}

	signed, err := a.SignTransactions(context.Background(), [][]types.Transaction{{tx, tx}, {tx}},
		&adapter.SigningOptions{IndexesToSign: []int{0, 2}, Message: "hello"})
	require.NoError(t, err)
	require.Len(t, signed, 3)
	assert.NotEmpty(t, signed[0])
	assert.Empty(t, signed[1])
	assert.NotEmpty(t, signed[2])

	require.Len(t, client.signed, 3)
	assert.Nil(t, client.signed[0].Signers)
	assert.Equal(t, &[]string{}, client.signed[1].Signers)
	assert.NotEmpty(t, client.signed[0].Txn)
	assert.Equal(t, "hello", client.message)
}

func TestDestroyClosesClient(t *testing.T) {
	client := &fakeClient{restored: []string{addr}}
	a := newTestAdapter(t, PeraBrand, client)
	require.NoError(t, a.Destroy(context.Background()))
	assert.True(t, client.closed)
	assert.False(t, a.IsConnected())
	_, err := a.Connect(context.Background())
	assert.ErrorIs(t, err, adapter.ErrNotInitialized)
}
