package txn

import (
	"math/rand"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payment(t *testing.T, from crypto.Account, amount uint64, note string) types.Transaction {
	t.Helper()
	return types.Transaction{
		Type: types.PaymentTx,
		Header: types.Header{
			Sender:     from.Address,
			Fee:        1000,
			FirstValid: 100,
			LastValid:  1100,
			Note:       []byte(note),
			GenesisID:  "testnet-v1.0",
		},
		PaymentTxnFields: types.PaymentTxnFields{
			Receiver: from.Address,
			Amount:   types.MicroAlgos(amount),
		},
	}
}

func sign(t *testing.T, acct crypto.Account, tx types.Transaction) []byte {
	t.Helper()
	_, stx, err := crypto.SignTransaction(acct.PrivateKey, tx)
	require.NoError(t, err)
	return stx
}

func TestDecodeSignedRejectsGarbage(t *testing.T) {
	_, err := DecodeSigned(nil)
	var de *DecodeError
	require.ErrorAs(t, err, &de)

	_, err = DecodeSigned([]byte{0xc1, 0x00, 0x01})
	require.ErrorAs(t, err, &de)
}

func TestEncodeDecodeKeepsID(t *testing.T) {
	acct := crypto.GenerateAccount()
	tx := payment(t, acct, 5, "a")
	back, err := DecodeUnsigned(EncodeUnsigned(tx))
	require.NoError(t, err)
	assert.Equal(t, ID(tx), ID(back))

	stx, err := DecodeSigned(sign(t, acct, tx))
	require.NoError(t, err)
	assert.Equal(t, ID(tx), ID(stx.Txn))
}

func TestBytesToSignPrefix(t *testing.T) {
	acct := crypto.GenerateAccount()
	tx := payment(t, acct, 1, "")
	b := BytesToSign(tx)
	assert.Equal(t, "TX", string(b[:2]))
	assert.Equal(t, EncodeUnsigned(tx), b[2:])
}

func TestMatchIsOrderIndependent(t *testing.T) {
	acct := crypto.GenerateAccount()
	group := []types.Transaction{
		payment(t, acct, 1, "one"),
		payment(t, acct, 2, "two"),
		payment(t, acct, 3, "three"),
	}
	pool := make([][]byte, len(group))
	for i, tx := range group {
		pool[i] = sign(t, acct, tx)
	}
	unrelated := sign(t, acct, payment(t, acct, 99, "other group"))

	r := rand.New(rand.NewSource(7))
	for round := 0; round < 10; round++ {
		shuffled := append([][]byte{unrelated, []byte("junk")}, pool...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		matched, err := MatchSignedToGroup(group, shuffled)
		require.NoError(t, err)
		require.Len(t, matched, len(group))
		for i := range group {
			assert.Equal(t, pool[i], matched[i])
		}
	}
}

func TestMatchFailsWhenNothingMatches(t *testing.T) {
	acct := crypto.GenerateAccount()
	group := []types.Transaction{payment(t, acct, 1, "one")}
	pool := [][]byte{[]byte("junk"), nil, sign(t, acct, payment(t, acct, 2, "two"))}

	matched, err := MatchSignedToGroup(group, pool)
	assert.Nil(t, matched)
	var gm *GroupMatchError
	require.ErrorAs(t, err, &gm)
	assert.Equal(t, 1, gm.GroupSize)
	assert.Equal(t, 3, gm.PoolSize)
}

func TestMatchEmptyGroup(t *testing.T) {
	matched, err := MatchSignedToGroup(nil, [][]byte{[]byte("x")})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestMatchFirstEntryWins(t *testing.T) {
	acct := crypto.GenerateAccount()
	tx := payment(t, acct, 1, "dup")
	first := sign(t, acct, tx)
	// same envelope in a distinct backing array
	second := append([]byte(nil), first...)

	matched, err := MatchSignedToGroup([]types.Transaction{tx}, [][]byte{first, second})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Same(t, &first[0], &matched[0][0])
}

func TestMatchPartialGroup(t *testing.T) {
	acct := crypto.GenerateAccount()
	group := []types.Transaction{payment(t, acct, 1, "one"), payment(t, acct, 2, "two")}
	signedSecond := sign(t, acct, group[1])

	matched, err := MatchSignedToGroup(group, [][]byte{{}, signedSecond})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{signedSecond}, matched)
}

func TestFlattenAndConcat(t *testing.T) {
	acct := crypto.GenerateAccount()
	a, b, c := payment(t, acct, 1, ""), payment(t, acct, 2, ""), payment(t, acct, 3, "")
	flat := Flatten([][]types.Transaction{{a, b}, {}, {c}})
	require.Len(t, flat, 3)
	assert.Equal(t, ID(c), ID(flat[2]))

	assert.Equal(t, []byte("abcd"), Concat([][]byte{[]byte("ab"), nil, []byte("cd")}))
}
