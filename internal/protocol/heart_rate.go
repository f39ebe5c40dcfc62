package protocol

// DecodeHeartRate parses a Heart Rate Measurement notification. Flag bit 0
// selects an 8- or 16-bit value. Zero readings (strap not in contact) are
// reported as missing.
func DecodeHeartRate(frame []byte) (bpm int, ok bool) {
	r := frameReader{buf: frame}
	flags := r.u8()
	if flags&0x01 != 0 {
		bpm = int(r.u16())
	} else {
		bpm = int(r.u8())
	}
	if !r.ok() || bpm == 0 {
		return 0, false
	}
	return bpm, true
}
