package protocol

// frameReader walks a little-endian notification payload. Once a read runs
// past the end every later read fails too, so a caller checks ok once at the end.
type frameReader struct {
	buf []byte
	off int
	bad bool
}

func (r *frameReader) take(n int) []byte {
	if r.bad || r.off+n > len(r.buf) {
		r.bad = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

func (r *frameReader) s16() int16 {
	return int16(r.u16())
}

func (r *frameReader) u24() uint32 {
	b := r.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *frameReader) skip(n int) {
	r.take(n)
}

func (r *frameReader) ok() bool {
	return !r.bad
}
