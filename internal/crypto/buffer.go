package crypto

// Plaintext is a scoped decryption buffer. Its backing memory is zeroed by
// Wipe on every exit path of the operation that produced it; no component
// outside that scope may retain the bytes.
type Plaintext struct {
	b     []byte
	wiped bool
}

// NewPlaintext wraps buf. The wrapper takes ownership of buf.
func NewPlaintext(buf []byte) *Plaintext {
	return &Plaintext{b: buf}
}

// Bytes returns the backing buffer. Nil after Wipe.
func (p *Plaintext) Bytes() []byte {
	if p.wiped {
		return nil
	}
	return p.b
}

// Len returns the buffer length, zero after Wipe.
func (p *Plaintext) Len() int {
	if p.wiped {
		return 0
	}
	return len(p.b)
}

// Wipe zeroes the backing memory and releases the buffer. Safe to call more
// than once.
func (p *Plaintext) Wipe() {
	if p.wiped {
		return
	}
	for i := range p.b {
		p.b[i] = 0
	}
	p.b = nil
	p.wiped = true
}

// Wiped reports whether the buffer has been released.
func (p *Plaintext) Wiped() bool {
	return p.wiped
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
