// Package sensor routes IR sensor pin changes to the locker transactions
// waiting on them.
//
// Each locker has one IR sensor wired to a pin of an MCP23017 expander. A
// Mapping ties the expander coordinate (address, chip index, pin) to a
// sensor number and a locker id; it is bijective in every direction and is
// built once at startup from a Layout of generated zones and explicit
// entries. Zone generation numbers sensors contiguously:
//
//	chip    = (sensor-1) / 16
//	pin     = (sensor-1) % 16
//	address = 0x20 + chip%8
//	locker  = prefix + two-digit index within the zone
//
// The Router handles sensor_triggered events from the device manager. It
// resolves the locker, asks the transaction manager for the relevant active
// transaction, records the reading and, when the transaction is waiting for
// the sensor and the polarity matches (rental: LOW, key removed; return:
// HIGH, key inserted), confirms it. Readings that match no transaction are
// written to the audit log.
package sensor
