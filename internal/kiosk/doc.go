// Package kiosk runs one rental or return end to end on top of the
// transaction manager, the device manager and the member store.
//
// A rental validates the member, admits a transaction, checks the locker is
// free, opens it on the locker's motor controller and leaves the
// transaction waiting for the sensor. The sensor router completes it when
// the key is removed; Await blocks until then. A return does the same for
// the locker the member currently holds.
//
// The service also subscribes to scanner events and remembers the last
// member scanned, for the UI to pick up.
package kiosk
