package transaction

// The transaction package implements tinydb's concurrency control layer. It takes the statements a transaction runs
// in the server (kv/server) and decides whether each one may proceed against the storage engine (kv/storage) without
// breaking the serial order of transactions.
//
// Two mechanisms are in play. The *scheduler* (`bto`) implements basic timestamp ordering: every transaction gets a
// timestamp when it begins, and every object it reads or writes remembers the largest read and write timestamps seen so
// far. A read of an object written by a younger transaction, or a write of an object read or written by a younger
// transaction, is denied; the server aborts the transaction and retries it with a fresh timestamp. A denied transaction
// can also be told to wait for the blocking transaction to finish before it retries, see the lockwaiter package.
//
// *Latches* are not visible to clients. They make a single statement atomic: validating the access, appending the log
// entries and changing the transaction buffer happen while the latch of the object is held, so two statements on the
// same object never interleave. See the latches package for details.
//
// What counts as an object depends on the configured granularity: a whole table, or a table together with the
// conditions of the statement (predicate granularity), so that statements on disjoint rows of one table do not
// conflict.
