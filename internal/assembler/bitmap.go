package assembler

// Bitmap is a compact bitset tracking which chunk slots are filled.
type Bitmap struct {
	bits int
	set  int
	data []byte
}

// NewBitmap allocates a bitmap sized for the given number of slots.
func NewBitmap(bits int) *Bitmap {
	if bits < 0 {
		bits = 0
	}
	return &Bitmap{
		bits: bits,
		data: make([]byte, (bits+7)/8),
	}
}

// LenBits returns the number of slots in the bitmap.
func (b *Bitmap) LenBits() int {
	if b == nil {
		return 0
	}
	return b.bits
}

// Grow extends the bitmap to at least bits slots, keeping existing marks.
func (b *Bitmap) Grow(bits int) {
	if bits <= b.bits {
		return
	}
	if need := (bits + 7) / 8; need > len(b.data) {
		data := make([]byte, need, need*2)
		copy(data, b.data)
		b.data = data
	}
	b.bits = bits
}

// Set marks slot i and reports whether it was previously empty.
func (b *Bitmap) Set(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	mask := byte(1) << uint(i%8)
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	b.set++
	return true
}

// Get reports whether slot i is filled.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/8]&(1<<uint(i%8)) != 0
}

// CountSet returns the number of filled slots.
func (b *Bitmap) CountSet() int {
	if b == nil {
		return 0
	}
	return b.set
}

// Full reports whether every slot is filled by walking the bits rather than
// trusting the counter.
func (b *Bitmap) Full() bool {
	for i := 0; i < b.LenBits(); i++ {
		if !b.Get(i) {
			return false
		}
	}
	return true
}

// Missing returns up to limit unfilled slot indices in ascending order.
func (b *Bitmap) Missing(limit int) []int {
	var out []int
	for i := 0; i < b.LenBits() && len(out) < limit; i++ {
		if !b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}
