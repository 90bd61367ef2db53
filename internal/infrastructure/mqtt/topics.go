package mqtt

import "fmt"

// TopicPrefix is the root of every kiosk topic.
//
// Topic hierarchy:
//
//	lockerkiosk/system/status                  retained online/offline (LWT)
//	lockerkiosk/system/health                  retained health report
//	lockerkiosk/system/health/request          ask for an immediate health report
//	lockerkiosk/transaction/{id}/state         transaction state changes
//	lockerkiosk/locker/{number}/state          retained locker occupancy
//	lockerkiosk/sensor/{locker}/event          routed sensor events
//	lockerkiosk/device/{id}/status             retained device status
//	lockerkiosk/device/{id}/event              scans, motor completions, errors
const TopicPrefix = "lockerkiosk"

// Topics provides builders for kiosk MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.TransactionState("6f1c...")
//	// Returns: "lockerkiosk/transaction/6f1c.../state"
type Topics struct{}

// SystemStatus returns the retained online/offline topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// SystemHealth returns the retained health report topic.
func (Topics) SystemHealth() string {
	return TopicPrefix + "/system/health"
}

// HealthRequest returns the topic that triggers an immediate health report.
func (Topics) HealthRequest() string {
	return TopicPrefix + "/system/health/request"
}

// TransactionState returns the state topic of one transaction.
func (Topics) TransactionState(id string) string {
	return fmt.Sprintf("%s/transaction/%s/state", TopicPrefix, id)
}

// LockerState returns the retained occupancy topic of one locker.
func (Topics) LockerState(number string) string {
	return fmt.Sprintf("%s/locker/%s/state", TopicPrefix, number)
}

// SensorEvent returns the sensor event topic of one locker.
func (Topics) SensorEvent(locker string) string {
	return fmt.Sprintf("%s/sensor/%s/event", TopicPrefix, locker)
}

// DeviceStatus returns the retained status topic of one controller.
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/status", TopicPrefix, deviceID)
}

// DeviceEvent returns the event topic of one controller.
func (Topics) DeviceEvent(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/event", TopicPrefix, deviceID)
}

// AllTransactionStates matches every transaction state topic.
func (Topics) AllTransactionStates() string {
	return TopicPrefix + "/transaction/+/state"
}

// AllSensorEvents matches every sensor event topic.
func (Topics) AllSensorEvents() string {
	return TopicPrefix + "/sensor/+/event"
}

// AllDeviceStatus matches every device status topic.
func (Topics) AllDeviceStatus() string {
	return TopicPrefix + "/device/+/status"
}

// AllTopics matches every kiosk topic.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
