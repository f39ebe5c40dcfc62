package protocol

import "strings"

// GATT service and characteristic UUIDs, in the lower-case 128-bit form the
// radio stack reports.
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	ServiceUUIDFTMS             = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData      = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint    = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature         = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange = "00002ad8-0000-1000-8000-00805f9b34fb"

	// FE-C over BLE (Tacx/Garmin vendor service)
	ServiceUUIDFEC   = "6e40fec1-b5a3-f393-e0a9-e50e24dcca9e"
	CharUUIDFECRead  = "6e40fec2-b5a3-f393-e0a9-e50e24dcca9e"
	CharUUIDFECWrite = "6e40fec3-b5a3-f393-e0a9-e50e24dcca9e"
)

// TrainerServiceUUIDs lists every service that identifies a trainer, in
// selection priority order.
var TrainerServiceUUIDs = []string{ServiceUUIDFTMS, ServiceUUIDFEC, ServiceUUIDCyclingPower}

// NormalizeUUID lower-cases a UUID string so values from different stacks compare equal.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}

// ContainsService reports whether uuid appears in services, ignoring case.
func ContainsService(services []string, uuid string) bool {
	want := NormalizeUUID(uuid)
	for _, s := range services {
		if NormalizeUUID(s) == want {
			return true
		}
	}
	return false
}
