package txn

import (
	"fmt"

	"avm.io/avm-wallet/pkg/log"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// GroupMatchError means none of a group's transactions came back signed.
type GroupMatchError struct {
	GroupSize int
	PoolSize  int
}

func (e *GroupMatchError) Error() string {
	return fmt.Sprintf("no signed transaction matches the group (%d txns, %d signed entries)", e.GroupSize, e.PoolSize)
}

// MatchSignedToGroup picks, for each transaction of group in order, the first entry of pool
// whose embedded transaction has the same id. Entries that do not decode never match.
// Transactions without a signed counterpart are left out of the result; a non-empty group
// with no match at all fails with *GroupMatchError.
func MatchSignedToGroup(group []types.Transaction, pool [][]byte) ([][]byte, error) {
	if len(group) == 0 {
		return [][]byte{}, nil
	}

	ids := make([]string, len(pool))
	for i, entry := range pool {
		stx, err := DecodeSigned(entry)
		if err != nil {
			log.Debugf("signed entry %d skipped: %v", i, err)
			continue
		}
		ids[i] = ID(stx.Txn)
	}

	matched := make([][]byte, 0, len(group))
	for _, tx := range group {
		want := ID(tx)
		for i, id := range ids {
			if id != "" && id == want {
				matched = append(matched, pool[i])
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, &GroupMatchError{GroupSize: len(group), PoolSize: len(pool)}
	}
	return matched, nil
}
