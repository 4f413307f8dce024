// Package bridge wires blind events to MQTT topic/payload pairs and routes
// inbound command messages to queued device writes, including the
// availability and Home Assistant auto-discovery publications.
package bridge

import "strings"

// TopicPrefix roots every topic the bridge owns.
const TopicPrefix = "bt2mqtt"

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Inbound command payloads, matched exactly.
const (
	PayloadOpen  = "OPEN"
	PayloadClose = "CLOSE"
)

// Cover states derived from the angle.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Angle thresholds: at or below closedLowMax, and at or above
// closedHighMin, the cover reads as closed and the published tilt snaps to
// the nearest bound.
const (
	closedLowMax  = 10
	closedHighMin = 190
)

// BridgeStatusTopic carries the bridge's own liveness and doubles as the
// broker last-will topic.
const BridgeStatusTopic = TopicPrefix + "/bridge/status"

// SanitizeMac converts a MAC address into its topic segment form, with
// colons replaced by underscores.
func SanitizeMac(mac string) string {
	return strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
}

func coverTopic(mac, suffix string) string {
	return TopicPrefix + "/cover/" + SanitizeMac(mac) + "/" + suffix
}

// AvailabilityTopic returns the device's retained online/offline topic.
func AvailabilityTopic(mac string) string { return coverTopic(mac, "availability") }

// StateTopic returns the open/closed state topic.
func StateTopic(mac string) string { return coverTopic(mac, "state") }

// TiltStateTopic returns the numeric tilt topic.
func TiltStateTopic(mac string) string { return coverTopic(mac, "tilt/state") }

// SetTopic returns the inbound OPEN/CLOSE command topic.
func SetTopic(mac string) string { return coverTopic(mac, "set") }

// TiltSetTopic returns the inbound numeric tilt command topic.
func TiltSetTopic(mac string) string { return coverTopic(mac, "tilt/set") }

// MetricTopic returns the state topic of a diagnostic metric.
func MetricTopic(mac, metric string) string { return coverTopic(mac, metric+"/state") }

// CoverState maps an angle to the synthetic open/closed state.
func CoverState(angle int) string {
	if angle <= closedLowMax || angle >= closedHighMin {
		return StateClosed
	}

	return StateOpen
}

// SnapAngle rounds the published tilt to its bound near the closed ends.
func SnapAngle(angle int) int {
	switch {
	case angle <= closedLowMax:
		return 0
	case angle >= closedHighMin:
		return 200
	default:
		return angle
	}
}
