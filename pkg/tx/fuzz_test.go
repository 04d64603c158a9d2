package tx

import (
	"encoding/json"
	"testing"
)

// FuzzTxUnmarshal tests that arbitrary JSON input does not panic
// when unmarshaled into a Transaction struct.
func FuzzTxUnmarshal(f *testing.F) {
	f.Add([]byte(`{"time":16,"inputs":[{"prevout":{"txid":"0000000000000000000000000000000000000000000000000000000000000000","index":0}}],"outputs":[{"value":1000,"script":{"type":1,"data":"0000000000000000000000000000000000000000"}}]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"inputs":null,"outputs":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var tx Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return
		}
		tx.Hash()
		tx.IsCoinStake()
		tx.Validate()
		tx.VerifySignatures()
	})
}
