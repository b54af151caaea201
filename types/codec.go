package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// encode returns the canonical RLP encoding of v.
func encode(v interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

func decode(data []byte, v interface{}) error {
	return rlp.DecodeBytes(data, v)
}

// mustEncode encodes values whose shape is fixed by this package. A failure
// is a programming error.
func mustEncode(v interface{}) []byte {
	data, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to encode %T: %v", v, err))
	}
	return data
}
