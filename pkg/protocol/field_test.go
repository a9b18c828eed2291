package protocol

import "testing"

func TestFieldMask(t *testing.T) {
	tests := []struct {
		f    Field
		mask uint64
	}{
		{FieldType, 0x0FF0000000000000},
		{FieldHelloMin, 0x000000000000FFFF},
		{FieldHelloMax, 0x00000000FFFF0000},
		{FieldEPMapBase, 0x0000000700000000},
		{FieldEPMapLast, 1 << 51},
		{FieldBufferSize, 0x000FF00000000000},
		{FieldBufferIOVA, 0x000000FFFFFFFFFF},
		{Bits(63, 0), ^uint64(0)},
	}
	for _, tt := range tests {
		if got := tt.f.Mask(); got != tt.mask {
			t.Errorf("Bits(%d,%d).Mask() = 0x%016x, want 0x%016x", tt.f.Hi, tt.f.Lo, got, tt.mask)
		}
	}
}

func TestFieldPrepTruncates(t *testing.T) {
	f := Bits(7, 4)
	if got := f.Prep(0x1F); got != 0xF0 {
		t.Errorf("Prep(0x1F) = 0x%x, want 0xF0", got)
	}
	if got := f.Get(0xAB); got != 0xA {
		t.Errorf("Get(0xAB) = 0x%x, want 0xA", got)
	}
	if got := f.Set(0xFF, 0x3); got != 0x3F {
		t.Errorf("Set(0xFF, 3) = 0x%x, want 0x3F", got)
	}
}

func TestWakeupMessageIsIOPPowerOn(t *testing.T) {
	got := PowerState{Type: MgmtIOPPowerState, State: PowerOn}.Encode()
	if got != WakeupMessage {
		t.Errorf("power-on encode = 0x%016x, want 0x%016x", got, WakeupMessage)
	}
}
