// Package ledger is the durable record of captured recordings and their
// upload queue, stored in SQLite.
//
// A recording has a queue entry exactly while its uploaded_at is unset.
// Commit and MarkUploaded change both tables in one transaction.
package ledger
