// Package replog implements the replicated append-only transaction log and
// its gossip anti-entropy (section 4.5), shared by the kafka-log and
// txn-kv workloads: a log keyed by (origin, xid) identity that readers
// fold over to answer queries, stored as the per-origin map section 3's
// data model calls for.
package replog

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// Transaction is one replicated log entry: origin node + xid + payload
// (section 3). Exactly one of Message/TxnOps is meaningful, depending on
// which workload produced it. UID is an opaque identifier minted once at
// creation, carried alongside the (Origin, Xid) identity that Insert
// actually dedups on -- a UID never needs to be unique across a resend of
// the *same* transaction, only distinct across different ones.
type Transaction struct {
	UID     string
	Origin  types.NodeID
	Xid     uint64
	Key     string
	Message uint64
	TxnOps  []types.TxnOp
}

// NewTransaction mints a Transaction with a fresh UID.
func NewTransaction(origin types.NodeID, xid uint64, key string, message uint64, ops []types.TxnOp) Transaction {
	return Transaction{
		UID:     uuid.New().String(),
		Origin:  origin,
		Xid:     xid,
		Key:     key,
		Message: message,
		TxnOps:  ops,
	}
}

func (t Transaction) toWire() types.TransactionWire {
	return types.TransactionWire{
		UID:     t.UID,
		Origin:  t.Origin,
		Xid:     t.Xid,
		Key:     t.Key,
		Message: t.Message,
		TxnOps:  t.TxnOps,
	}
}

func fromWire(w types.TransactionWire) Transaction {
	return Transaction{
		UID:     w.UID,
		Origin:  w.Origin,
		Xid:     w.Xid,
		Key:     w.Key,
		Message: w.Message,
		TxnOps:  w.TxnOps,
	}
}

// Log is the replicated store: a mapping from origin node to that
// origin's transactions, kept sorted by xid, plus the contiguity
// high-water mark the kafka-log poll gate needs (section 4.5).
//
// Section 9's open question (i) requires folding transactions in xid
// order (origin as tiebreaker) rather than arbitrary map-iteration order;
// Dump always returns data in that sorted order so no caller can
// reintroduce a nondeterministic fold.
type Log struct {
	mu        sync.RWMutex
	byOrigin  map[types.NodeID][]Transaction
	seen      map[types.NodeID]map[uint64]bool
	contig    uint64 // highest xid h such that [1, h] is fully present, global xid space only
	contigSet map[uint64]bool
}

// NewLog builds an empty replicated log.
func NewLog() *Log {
	return &Log{
		byOrigin:  make(map[types.NodeID][]Transaction),
		seen:      make(map[types.NodeID]map[uint64]bool),
		contigSet: make(map[uint64]bool),
	}
}

// Insert adds txn if its (origin, xid) identity is not already known,
// re-sorting the affected origin's list. Returns true if it was new.
func (l *Log) Insert(txn Transaction) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(txn)
}

func (l *Log) insertLocked(txn Transaction) bool {
	origin := l.seen[txn.Origin]
	if origin == nil {
		origin = make(map[uint64]bool)
		l.seen[txn.Origin] = origin
	}
	if origin[txn.Xid] {
		return false
	}
	origin[txn.Xid] = true
	l.byOrigin[txn.Origin] = append(l.byOrigin[txn.Origin], txn)
	sort.Slice(l.byOrigin[txn.Origin], func(i, j int) bool {
		return l.byOrigin[txn.Origin][i].Xid < l.byOrigin[txn.Origin][j].Xid
	})
	l.advanceContiguity(txn.Xid)
	return true
}

// InsertMany inserts a batch and reports which were newly inserted, in
// the order given.
func (l *Log) InsertMany(txns []Transaction) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var added []Transaction
	for _, t := range txns {
		if l.insertLocked(t) {
			added = append(added, t)
		}
	}
	return added
}

// advanceContiguity updates the global contiguous high-water mark used by
// the kafka-log contiguity gate. This only makes sense for workloads
// whose xids are drawn from one global space (kafka-log); txn-kv's
// per-origin local xids never use it.
func (l *Log) advanceContiguity(xid uint64) {
	l.contigSet[xid] = true
	for l.contigSet[l.contig+1] {
		l.contig++
		delete(l.contigSet, l.contig)
	}
}

// ContiguousHigh returns h: the largest xid such that every xid in [1, h]
// has been observed. Tracked incrementally on every insert rather than by
// a window scan, per section 9's open question (ii).
func (l *Log) ContiguousHigh() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.contig
}

// HighestXid returns the largest xid present across every origin, or 0 on
// an empty log. A poll whose generation-time latest xid exceeds
// ContiguousHigh must be held until the gap fills (section 4.5, the
// contiguity gate).
func (l *Log) HighestXid() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var high uint64
	for _, txns := range l.byOrigin {
		if len(txns) > 0 && txns[len(txns)-1].Xid > high {
			high = txns[len(txns)-1].Xid
		}
	}
	return high
}

// HighestFrom returns the highest xid known to have been originated by
// origin, or 0 if none is known -- used to compute poll_transactions'
// first_xid (section 4.5).
func (l *Log) HighestFrom(origin types.NodeID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	txns := l.byOrigin[origin]
	if len(txns) == 0 {
		return 0
	}
	return txns[len(txns)-1].Xid
}

// FromOriginSince returns origin's transactions with Xid >= firstXid, in
// xid order -- the payload of a poll_transactions reply.
func (l *Log) FromOriginSince(origin types.NodeID, firstXid uint64) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, t := range l.byOrigin[origin] {
		if t.Xid >= firstXid {
			out = append(out, t)
		}
	}
	return out
}

// Dump returns every transaction across every origin, sorted by xid with
// origin as tiebreaker (section 9, open question (i)) -- the only
// deterministic fold order for origins that wrote the same key at
// different xids.
func (l *Log) Dump() []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, txns := range l.byOrigin {
		out = append(out, txns...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Xid != out[j].Xid {
			return out[i].Xid < out[j].Xid
		}
		return out[i].Origin < out[j].Origin
	})
	return out
}

// ToWire renders txns for the wire `transactions` body.
func ToWire(txns []Transaction) []types.TransactionWire {
	out := make([]types.TransactionWire, len(txns))
	for i, t := range txns {
		out[i] = t.toWire()
	}
	return out
}

// FromWire parses a wire `transactions` body payload.
func FromWire(wire []types.TransactionWire) []Transaction {
	out := make([]Transaction, len(wire))
	for i, w := range wire {
		out[i] = fromWire(w)
	}
	return out
}
