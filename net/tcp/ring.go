package tcp

// RingSize is each TCB's tx and rx buffer capacity.
const RingSize = 4096

// txRing tracks bytes the application has queued (up to end), the
// subset already put on the wire (up to nxt), and the subset the peer
// has acknowledged (up to una). una <= nxt <= end always.
type txRing struct {
	buf [RingSize]byte
	una uint32
	nxt uint32
	end uint32
}

func (r *txRing) queued() uint32    { return r.end - r.nxt }
func (r *txRing) unacked() uint32   { return r.nxt - r.una }
func (r *txRing) freeSpace() uint32 { return RingSize - (r.end - r.una) }

func (r *txRing) write(data []byte) int {
	n := len(data)
	if free := int(r.freeSpace()); n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[(r.end+uint32(i))%RingSize] = data[i]
	}
	r.end += uint32(n)
	return n
}

// pending returns up to max bytes not yet sent, advancing nothing.
func (r *txRing) pending(max int) []byte {
	n := int(r.queued())
	if n > max {
		n = max
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.nxt+uint32(i))%RingSize]
	}
	return out
}

// unackedBytes returns up to max bytes starting at una, for
// retransmission.
func (r *txRing) unackedBytes(max int) []byte {
	n := int(r.unacked())
	if n > max {
		n = max
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.una+uint32(i))%RingSize]
	}
	return out
}

// ack advances una to seq if seq falls within [una, nxt].
func (r *txRing) ack(seq uint32) {
	if seq-r.una <= r.unacked() {
		r.una = seq
	}
}

// rxRing holds bytes delivered in order by the peer; out-of-order
// segments are dropped rather than reassembled.
type rxRing struct {
	buf  [RingSize]byte
	head uint32
	tail uint32
}

func (r *rxRing) avail() uint32     { return r.head - r.tail }
func (r *rxRing) freeSpace() uint32 { return RingSize - (r.head - r.tail) }

func (r *rxRing) append(data []byte) int {
	n := len(data)
	if free := int(r.freeSpace()); n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[(r.head+uint32(i))%RingSize] = data[i]
	}
	r.head += uint32(n)
	return n
}

func (r *rxRing) read(dst []byte) int {
	n := len(dst)
	if avail := int(r.avail()); n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(r.tail+uint32(i))%RingSize]
	}
	r.tail += uint32(n)
	return n
}
