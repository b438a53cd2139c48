package replog

// TxnView folds a xid-sorted (origin as tiebreaker) transaction list into
// the txn-kv workload's view: key -> latest written value, by application
// order across all origins (section 4.5, "Applying the log"; section 9,
// open question (i) on why the sort order matters).
func TxnView(txns []Transaction) map[int]int {
	view := make(map[int]int)
	for _, t := range txns {
		for _, op := range t.TxnOps {
			if op.Op == "w" && op.Value != nil {
				view[op.Key] = *op.Value
			}
		}
	}
	return view
}
