package extension

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/chains"
	"avm.io/avm-wallet/internal/network"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const addr = "7ZUECA7HFLZTXENRV24SHLU4AVPUTMTTDUFUBNBD64C73F3UHRTHAIOF6Q"

type fakeMessenger struct {
	sent    []Message
	replies map[string]Reply
}

func (m *fakeMessenger) Send(_ context.Context, msg Message) (*Reply, error) {
	m.sent = append(m.sent, msg)
	r := m.replies[msg.Reference]
	r.RequestID = msg.ID
	return &r, nil
}

func (m *fakeMessenger) params(t *testing.T, i int) gjson.Result {
	b, err := json.Marshal(m.sent[i].Params)
	require.NoError(t, err)
	return gjson.ParseBytes(b)
}

func testConfig() network.Config {
	testnet, _ := chains.ByName("testnet")
	return network.FromChain(nil, testnet)
}

func testTxn(t *testing.T) types.Transaction {
	sender, err := types.DecodeAddress(addr)
	require.NoError(t, err)
	return types.Transaction{Type: types.PaymentTx, Header: types.Header{Sender: sender, FirstValid: 1, LastValid: 2}}
}

func TestUnavailableOutsideBrowser(t *testing.T) {
	for _, a := range []adapter.Adapter{NewKibisis(Options{}), NewLute(Options{})} {
		_, err := a.Connect(context.Background())
		assert.ErrorIs(t, err, adapter.ErrNotInitialized, a.ID())

		require.NoError(t, a.Initialize(context.Background(), testConfig()))
		_, err = a.Connect(context.Background())
		assert.ErrorIs(t, err, adapter.ErrEnvironment, a.ID())
		_, err = a.SignTransactions(context.Background(), nil, nil)
		assert.ErrorIs(t, err, adapter.ErrEnvironment, a.ID())
		assert.NoError(t, a.Disconnect(context.Background()))

		accounts, err := a.Reconnect(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, accounts)
	}
}

func TestKibisisConnect(t *testing.T) {
	m := &fakeMessenger{replies: map[string]Reply{
		arc27Enable: {Result: json.RawMessage(`{"accounts":[{"address":"` + addr + `","name":"main"}]}`)},
	}}
	k := NewKibisis(Options{Messenger: m})
	require.NoError(t, k.Initialize(context.Background(), testConfig()))

	accounts, err := k.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []adapter.Account{{Address: addr, Name: "main"}}, accounts)
	assert.True(t, k.IsConnected())

	require.Len(t, m.sent, 1)
	assert.Equal(t, arc27Enable, m.sent[0].Reference)
	assert.NotEmpty(t, m.sent[0].ID)
	p := m.params(t, 0)
	assert.Equal(t, kibisisProviderID, p.Get("providerId").String())
	assert.Equal(t, testConfig().GenesisHashB64(), p.Get("genesisHash").String())

	accounts, err = k.Reconnect(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, accounts)
}

func TestKibisisConnectError(t *testing.T) {
	m := &fakeMessenger{replies: map[string]Reply{
		arc27Enable: {Error: &ReplyError{Code: 4001, Message: "user rejected"}},
	}}
	k := NewKibisis(Options{Messenger: m})
	require.NoError(t, k.Initialize(context.Background(), testConfig()))

	_, err := k.Connect(context.Background())
	assert.EqualError(t, err, "user rejected")
	assert.False(t, k.IsConnected())

	m.replies[arc27Enable] = Reply{Error: &ReplyError{Code: 4001}}
	_, err = k.Connect(context.Background())
	assert.EqualError(t, err, "Failed to connect Kibisis wallet")
}

func TestKibisisSign(t *testing.T) {
	signed := base64.StdEncoding.EncodeToString([]byte("stx"))
	m := &fakeMessenger{replies: map[string]Reply{
		arc27SignTransactions: {Result: json.RawMessage(`{"stxns":["` + signed + `",null,""]}`)},
	}}
	k := NewKibisis(Options{Messenger: m})
	require.NoError(t, k.Initialize(context.Background(), testConfig()))
	tx := testTxn(t)

	out, err := k.SignTransactions(context.Background(), [][]types.Transaction{{tx}, {tx, tx}}, &adapter.SigningOptions{IndexesToSign: []int{0}})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []byte("stx"), out[0])
	assert.Empty(t, out[1])
	assert.Empty(t, out[2])

	p := m.params(t, 0)
	assert.Len(t, p.Get("txns").Array(), 3)
	assert.False(t, p.Get("txns.0.signers").Exists())
	assert.True(t, p.Get("txns.1.signers").IsArray())
}

func TestKibisisDisconnectClearsOnError(t *testing.T) {
	m := &fakeMessenger{replies: map[string]Reply{
		arc27Enable:  {Result: json.RawMessage(`{"accounts":[{"address":"` + addr + `"}]}`)},
		arc27Disable: {Error: &ReplyError{Message: "no session"}},
	}}
	k := NewKibisis(Options{Messenger: m})
	require.NoError(t, k.Initialize(context.Background(), testConfig()))
	_, err := k.Connect(context.Background())
	require.NoError(t, err)

	assert.NoError(t, k.Disconnect(context.Background()))
	assert.False(t, k.IsConnected())
	assert.Empty(t, k.Accounts())
}

func TestLute(t *testing.T) {
	signed := base64.StdEncoding.EncodeToString([]byte("stx"))
	m := &fakeMessenger{replies: map[string]Reply{
		luteConnect: {Result: json.RawMessage(`["` + addr + `"]`)},
		luteSign:    {Result: json.RawMessage(`[null,"` + signed + `"]`)},
	}}
	l := NewLute(Options{Messenger: m})
	require.NoError(t, l.Initialize(context.Background(), testConfig()))

	accounts, err := l.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []adapter.Account{{Address: addr}}, accounts)
	assert.Equal(t, testConfig().GenesisID, m.params(t, 0).Get("genesisID").String())

	tx := testTxn(t)
	out, err := l.SignTransactions(context.Background(), [][]types.Transaction{{tx, tx}}, nil)
	require.NoError(t, err)
	assert.Empty(t, out[0])
	assert.Equal(t, []byte("stx"), out[1])

	require.NoError(t, l.Disconnect(context.Background()))
	assert.False(t, l.IsConnected())

	require.NoError(t, l.Destroy(context.Background()))
	_, err = l.Connect(context.Background())
	assert.ErrorIs(t, err, adapter.ErrNotInitialized)
}
