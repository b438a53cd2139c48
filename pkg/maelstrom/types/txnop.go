package types

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON renders a TxnOp as the wire triple `[op, key, value]` rather
// than as an object, matching the txn-kv workload's on-the-wire shape
// (section 6).
func (t TxnOp) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{t.Op, t.Key, t.Value})
}

// UnmarshalJSON parses the wire triple `[op, key, value|null]` into a
// TxnOp.
func (t *TxnOp) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("txn op: expected a 3-element array: %w", err)
	}
	if err := json.Unmarshal(raw[0], &t.Op); err != nil {
		return fmt.Errorf("txn op: bad op field: %w", err)
	}
	if err := json.Unmarshal(raw[1], &t.Key); err != nil {
		return fmt.Errorf("txn op: bad key field: %w", err)
	}
	var v *int
	if err := json.Unmarshal(raw[2], &v); err != nil {
		return fmt.Errorf("txn op: bad value field: %w", err)
	}
	t.Value = v
	return nil
}
