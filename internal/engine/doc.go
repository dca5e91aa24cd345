// Package engine sequences the write-ahead log, segment storage, the B-Tree
// index, and the transaction manager into one key-value engine.
//
// Every mutation follows the same path: lock the key, append the operation to
// the WAL, write it to storage, then update the index. Explicit transactions
// apply their writes immediately and keep the prior value of each key so a
// rollback can write it back through the same path.
//
// On open the engine recovers storage, loads or rebuilds the index, replays
// the WAL tail, undoes transactions that never finished, and writes a
// checkpoint. Background loops flush the WAL, take checkpoints, prune old WAL
// segments, and trigger compaction.
package engine
