package trainer

import (
	"fmt"
	"log"

	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
)

// BindHeartRate subscribes to a strap's heart rate measurements. Frames are
// posted as SourceHeartRate inputs tagged with id; Input.HeartRate decodes them.
func BindHeartRate(logger *log.Logger, device bt.BTDevice, id uint64, post func(Input)) error {
	if logger == nil {
		panic("TrainerSession: logger cannot be nil")
	}
	services, err := device.DiscoverServiceUUIDs()
	if err != nil {
		return fmt.Errorf("service discovery on %s: %w", device.GetAddressString(), err)
	}
	if !protocol.ContainsService(services, protocol.ServiceUUIDHeartRate) {
		return fmt.Errorf("%s: %w", device.GetAddressString(), ErrNoHeartRateService)
	}
	err = device.EnableNotifications(protocol.ServiceUUIDHeartRate, protocol.CharUUIDHeartRateMeasurement, func(buf []byte) {
		frame := make([]byte, len(buf))
		copy(frame, buf)
		post(Input{Source: SourceHeartRate, Binding: id, CharUUID: protocol.CharUUIDHeartRateMeasurement, Frame: frame})
	})
	if err != nil {
		return fmt.Errorf("enable heart rate notifications on %s: %w", device.GetAddressString(), err)
	}
	logger.Printf("TrainerSession: heart rate bound to %s", device.GetAddressString())
	return nil
}
