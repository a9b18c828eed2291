package protocol

// Field describes a contiguous bit range [Hi:Lo] inside a 64-bit payload.
type Field struct {
	Hi, Lo uint
}

// Bits returns the field covering bits hi down to lo inclusive.
func Bits(hi, lo uint) Field { return Field{Hi: hi, Lo: lo} }

// Bit returns a single-bit field.
func Bit(n uint) Field { return Field{Hi: n, Lo: n} }

// Width is the number of bits in the field.
func (f Field) Width() uint { return f.Hi - f.Lo + 1 }

// Mask returns the in-place mask of the field.
func (f Field) Mask() uint64 {
	if f.Width() >= 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << f.Width()) - 1) << f.Lo
}

// Max is the largest value the field can hold.
func (f Field) Max() uint64 { return f.Mask() >> f.Lo }

// Get extracts the field from v.
func (f Field) Get(v uint64) uint64 { return (v & f.Mask()) >> f.Lo }

// Prep shifts x into position. Bits of x wider than the field are discarded.
func (f Field) Prep(x uint64) uint64 { return (x << f.Lo) & f.Mask() }

// Set replaces the field inside v with x.
func (f Field) Set(v, x uint64) uint64 { return (v &^ f.Mask()) | f.Prep(x) }

// IsSet reports whether any bit of the field is set in v.
func (f Field) IsSet(v uint64) bool { return v&f.Mask() != 0 }
