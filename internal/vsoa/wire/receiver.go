package wire

// Receiver is a per-connection incremental parse buffer. It accumulates bytes
// fed by the transport and invokes a callback once per complete frame,
// without ever allocating: the backing array is sized once to MaxPacketLength
// and reused for the lifetime of the connection.
type Receiver struct {
	buf    []byte
	curLen int
}

// NewReceiver allocates a Receiver sized for the reliable channel
// (MaxPacketLength) or, if quick is true, the quick channel (MaxQuickPacketLength).
func NewReceiver(quick bool) *Receiver {
	size := MaxPacketLength
	if quick {
		size = MaxQuickPacketLength
	}
	return &Receiver{buf: make([]byte, size)}
}

// Feed appends p to the receive buffer and invokes onFrame once for every
// complete frame now available, in arrival order. onFrame's Frame fields
// alias the Receiver's internal storage and are invalid after onFrame returns.
// Feed returns ErrBadMagic/ErrTooLarge if the buffered header is invalid;
// callers decide connection-close policy, Feed itself never closes anything.
func (r *Receiver) Feed(p []byte, onFrame func(Frame)) error {
	for len(p) > 0 {
		n := copy(r.buf[r.curLen:], p)
		r.curLen += n
		p = p[n:]

		for {
			if r.curLen < HeaderLength {
				break
			}
			h, err := DecodeHeader(r.buf[:HeaderLength])
			if err != nil {
				return err
			}
			total := h.TotalLength()
			if total > len(r.buf) {
				return ErrTooLarge
			}
			if r.curLen < total {
				break
			}

			off := HeaderLength
			url := r.buf[off : off+int(h.URLLen)]
			off += int(h.URLLen)
			param := r.buf[off : off+int(h.ParamLen)]
			off += int(h.ParamLen)
			data := r.buf[off : off+int(h.DataLen)]

			onFrame(Frame{Header: h, URL: url, Param: param, Data: data})

			remaining := r.curLen - total
			if remaining > 0 {
				copy(r.buf[0:], r.buf[total:r.curLen])
			}
			r.curLen = remaining
		}

		if r.curLen >= len(r.buf) {
			// Buffer full with no complete frame: the header must be malformed
			// (a well-formed header always yields total <= len(r.buf)).
			return ErrTooLarge
		}
	}
	return nil
}

// Reset discards any partially-buffered frame, e.g. after a protocol error.
func (r *Receiver) Reset() { r.curLen = 0 }
