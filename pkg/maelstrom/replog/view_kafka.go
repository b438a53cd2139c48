package replog

// KafkaView folds a xid-sorted transaction list into the kafka-log
// workload's view: key -> append sequence of (xid, msg) pairs for that
// key, in xid order (section 4.5, "Applying the log").
func KafkaView(txns []Transaction) map[string][][2]uint64 {
	view := make(map[string][][2]uint64)
	for _, t := range txns {
		view[t.Key] = append(view[t.Key], [2]uint64{t.Xid, t.Message})
	}
	return view
}
