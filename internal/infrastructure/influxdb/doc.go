// Package influxdb provides InfluxDB connectivity for the locker kiosk.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched point writes and health monitoring.
//
// # Measurements
//
//   - transaction_outcome: one point per finished rental or return, tagged by
//     kind, status and locker
//   - sensor_event: one point per routed IR sensor reading, tagged by
//     outcome, state and locker
//   - device_counters: periodic controller counter snapshots, tagged by device id
//     and role
//   - kiosk: kiosk-wide gauges such as active transactions
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without time-series telemetry
//	}
//	defer client.Close()
//
//	client.WriteTransactionOutcome(influxdb.TransactionOutcome{
//	    Kind: "rental", Status: "completed", LockerNumber: "M01",
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
