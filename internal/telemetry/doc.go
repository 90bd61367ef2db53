// Package telemetry publishes kiosk activity to MQTT and InfluxDB.
//
// A Publisher observes the transaction manager, the sensor router and the
// hardware event stream, turning each into a JSON message on a
// lockerkiosk/... topic and, for outcomes and samples, an InfluxDB point.
// A HealthReporter publishes a retained health summary on an interval and
// on request.
//
// Both sinks are optional. A kiosk with neither broker nor InfluxDB
// configured runs with a Publisher that only counts what it would have
// sent.
//
// # Topics
//
//	lockerkiosk/transaction/{id}/state   transaction changes (QoS 1)
//	lockerkiosk/locker/{number}/state    locker occupancy (retained)
//	lockerkiosk/sensor/{locker}/event    routed sensor readings (QoS 0)
//	lockerkiosk/device/{id}/status       controller status (retained)
//	lockerkiosk/device/{id}/event        scans, motor and error reports (QoS 0)
//	lockerkiosk/system/health            health summary (retained)
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Publish errors are
// logged and counted, never returned to the observed component.
package telemetry
