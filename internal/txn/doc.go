// Package txn implements two-phase locking for kvgo transactions.
//
// A Manager hands out transaction ids, grants multi-granularity locks
// (IS, IX, S, X) on named resources, and resolves deadlocks by aborting the
// youngest transaction of a wait-for cycle. Transactions record logical undo
// operations; rollback and rollback to a savepoint replay them in reverse
// through a caller-supplied UndoFunc while the transaction still holds its
// locks.
//
// Locks are held until Commit or Rollback. Releasing a single lock early is
// only used for short shared locks under ReadCommitted.
package txn
