package peerprotocol

import "encoding/binary"

// DefaultOverflowCap is the default limit on the total size of a single
// frame (4-byte length prefix included) that Next accepts before reporting
// BufferOverflow. It bounds one frame, not the buffer: Feed appends without
// any size check.
const DefaultOverflowCap = 1 << 20 // 1 MiB

// Decoder is a pull-style streaming decoder over a contiguous, lazily
// compacting buffer. Feed appends bytes as they arrive off the wire; Next
// drains complete messages one at a time. A Decoder is only ever touched by
// the single goroutine that owns the connection's read side.
type Decoder struct {
	buf      []byte
	start    int // first unconsumed byte
	end      int // one past the last valid byte
	overflow int
	pool     pool
}

// NewDecoder returns a Decoder whose Next rejects, with BufferOverflow, any
// frame whose total size (length prefix included) exceeds overflowCap
// bytes. overflowCap <= 0 selects DefaultOverflowCap.
func NewDecoder(overflowCap int) *Decoder {
	if overflowCap <= 0 {
		overflowCap = DefaultOverflowCap
	}
	return &Decoder{
		buf:      make([]byte, 0, 4096),
		overflow: overflowCap,
	}
}

// Feed appends b to the decode buffer, compacting first if the consumed
// prefix has grown past half the buffer. Amortized O(len(b)).
func (d *Decoder) Feed(b []byte) {
	if d.start > 0 && d.start >= len(d.buf)/2 {
		d.compact()
	}
	d.buf = append(d.buf, b...)
	d.end = len(d.buf)
}

func (d *Decoder) compact() {
	remaining := d.buf[d.start:d.end]
	copy(d.buf, remaining)
	d.buf = d.buf[:len(remaining)]
	d.start = 0
	d.end = len(remaining)
}

func (d *Decoder) pending() []byte {
	return d.buf[d.start:d.end]
}

// Next returns the next complete message, if one is buffered. The second
// return value is false (with a nil error) when more bytes are needed.
func (d *Decoder) Next() (*Message, bool, error) {
	pending := d.pending()
	if len(pending) < 4 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(pending[0:4])
	if length == 0 {
		d.start += 4
		return NewKeepAlive(), true, nil
	}
	if length > MaxBlockSize+9 {
		return nil, false, &DecodeError{Kind: MessageTooLarge}
	}
	total := 4 + int(length)
	if total > d.overflow {
		return nil, false, &DecodeError{Kind: BufferOverflow}
	}
	if len(pending) < total {
		return nil, false, nil
	}
	typ := MessageID(pending[4])
	payload := pending[5:total]
	msg, err := d.decodeMessage(typ, int(length), payload)
	if err != nil {
		return nil, false, err
	}
	d.start += total
	return msg, true, nil
}

func (d *Decoder) decodeMessage(typ MessageID, length int, payload []byte) (*Message, error) {
	switch typ {
	case Choke, Unchoke, Interested, NotInterested:
		if length != 1 {
			return nil, &DecodeError{Kind: MalformedLength}
		}
		m := d.pool.getFixed(typ)
		m.ID = typ
		return m, nil
	case Have:
		if length != 5 {
			return nil, &DecodeError{Kind: MalformedLength}
		}
		m := d.pool.getFixed(typ)
		m.ID = typ
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		return m, nil
	case Bitfield:
		b := make([]byte, len(payload))
		copy(b, payload)
		return NewBitfield(b), nil
	case Request, Cancel:
		if length != 13 {
			return nil, &DecodeError{Kind: MalformedLength}
		}
		m := d.pool.getFixed(typ)
		m.ID = typ
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
		return m, nil
	case Piece:
		if length < 9 {
			return nil, &DecodeError{Kind: MalformedLength}
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return &Message{
			ID:    Piece,
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: block,
		}, nil
	default:
		return nil, &DecodeError{Kind: UnknownType}
	}
}

// Release returns m to the decoder's per-type free list. Idempotent and
// optional; Piece and Bitfield messages are not pooled and are ignored.
func (d *Decoder) Release(m *Message) {
	d.pool.put(m)
}

// pool is a per-decoder, single-goroutine free list for the seven
// fixed-size message types. Piece and Bitfield are never pooled because
// their payloads are variable-length.
type pool struct {
	free [9][]*Message
}

func (p *pool) getFixed(id MessageID) *Message {
	if list := p.free[id]; len(list) > 0 {
		m := list[len(list)-1]
		p.free[id] = list[:len(list)-1]
		*m = Message{}
		return m
	}
	return &Message{}
}

func (p *pool) put(m *Message) {
	if m == nil {
		return
	}
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested, Have, Request, Cancel:
		if m.KeepAlive {
			return
		}
		for _, x := range p.free[m.ID] {
			if x == m {
				return
			}
		}
		p.free[m.ID] = append(p.free[m.ID], m)
	default:
		// Piece, Bitfield, or KeepAlive: not pooled.
	}
}
