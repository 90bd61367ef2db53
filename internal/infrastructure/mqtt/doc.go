// Package mqtt provides MQTT client connectivity for the locker kiosk.
//
// This package manages:
//   - Connection to the site broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The kiosk publishes its transaction, sensor and device state on MQTT so
// front-desk dashboards and the building's monitoring can follow it without
// touching the kiosk database:
//
//	Kiosk Core → MQTT Broker → Dashboards / Monitoring
//
// MQTT is optional. With mqtt.enabled false Connect returns ErrDisabled and
// the kiosk runs without publishing.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.TransactionState(txID)
//	client.PublishJSON(topic, state, false)
package mqtt
