// Package transaction is the authoritative state machine for locker
// rentals and returns.
//
// A transaction moves forward through
//
//	started → member_verified → locker_selected → hardware_sent →
//	sensor_wait → sensor_verified → completed
//
// while its status is active, and leaves active exactly once for one of
// completed, timeout, failed or cancelled.
//
// # Admission
//
// StartTransaction admits at most Capacity active transactions (default 1)
// and at most one per member. Both checks, the insert of the new row and the
// stamping of every locker's lock fields run under the manager's mutex and
// in one SQL transaction, so the in-memory cache and the database change
// together or not at all. Denials are *AdmissionError values matching
// ErrAdmission.
//
// # Timeouts
//
// Every transaction carries a deadline (default 30 s after start). Expired
// transactions are ended with status timeout before each admission, by
// RunSweeper, and lazily by reads: ActiveTransactions never returns an
// expired transaction and Status reports it as timeout.
//
// # Sensor confirmation
//
// The sensor router resolves a locker to its transaction with
// ResolveForLocker, records every reading with RecordSensorEvent and calls
// ConfirmSensor when the polarity matches. Confirmation writes the rental or
// return record, the locker occupant and the member's currently_renting
// column, completes the transaction and releases the locks in one SQL
// transaction.
package transaction
