package codec

import (
	"testing"

	"github.com/google/uuid"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.U8(0xAB)
	w.I8(-5)
	w.Bool(true)
	w.U16(0x1234)
	w.U32(0xDEADBEEF)
	w.U64(0x0102030405060708)
	w.F32(3.25)
	w.F64(-1.5)

	r := NewReader(w.Bytes())
	if v, err := r.U8(); err != nil || v != 0xAB {
		t.Fatalf("U8: %v %v", v, err)
	}
	if v, err := r.I8(); err != nil || v != -5 {
		t.Fatalf("I8: %v %v", v, err)
	}
	if v, err := r.Bool(); err != nil || v != true {
		t.Fatalf("Bool: %v %v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 0x1234 {
		t.Fatalf("U16: %v %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("U32: %v %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("U64: %v %v", v, err)
	}
	if v, err := r.F32(); err != nil || v != 3.25 {
		t.Fatalf("F32: %v %v", v, err)
	}
	if v, err := r.F64(); err != nil || v != -1.5 {
		t.Fatalf("F64: %v %v", v, err)
	}
	if r.Remaining() != 0 {
		t.Errorf("expected reader fully drained, %d bytes remaining", r.Remaining())
	}
}

func TestVecAndAABBRoundTrip(t *testing.T) {
	w := NewWriter(0)
	v3 := Vec3{X: 1, Y: 2, Z: 3}
	box := AABB3f{Min: Vec3{X: -1, Y: -1, Z: -1}, Max: Vec3{X: 1, Y: 1, Z: 1}}
	w.Vec3(v3)
	w.AABB3f(box)

	r := NewReader(w.Bytes())
	gotV3, err := r.Vec3()
	if err != nil || gotV3 != v3 {
		t.Fatalf("Vec3: %v %v", gotV3, err)
	}
	gotBox, err := r.AABB3f()
	if err != nil || gotBox != box {
		t.Fatalf("AABB3f: %v %v", gotBox, err)
	}
}

func TestAABB3fContains(t *testing.T) {
	box := AABB3f{Min: Vec3{X: -1, Y: -1, Z: -1}, Max: Vec3{X: 1, Y: 1, Z: 1}}
	if !box.Contains(Vec3{}) {
		t.Error("expected origin to be contained")
	}
	if !box.Contains(Vec3{X: 1, Y: 1, Z: 1}) {
		t.Error("expected boundary point to be contained (inclusive bounds)")
	}
	if box.Contains(Vec3{X: 2}) {
		t.Error("expected point outside X range to be excluded")
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	u := uuid.New()
	w := NewWriter(0)
	w.UUID(u)
	r := NewReader(w.Bytes())
	got, err := r.UUID()
	if err != nil || got != u {
		t.Fatalf("UUID: %v %v", got, err)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)}
	for _, v := range values {
		w := NewWriter(0)
		w.Varint(v)
		r := NewReader(w.Bytes())
		got, err := r.Varint()
		if err != nil || got != v {
			t.Errorf("Varint(%d): got %d, err %v", v, got, err)
		}
	}
}

func TestStringAndBlobRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.String("hello atlasnet")
	w.Blob([]byte{1, 2, 3, 4})

	r := NewReader(w.Bytes())
	s, err := r.String()
	if err != nil || s != "hello atlasnet" {
		t.Fatalf("String: %q %v", s, err)
	}
	b, err := r.Blob()
	if err != nil || string(b) != "\x01\x02\x03\x04" {
		t.Fatalf("Blob: %v %v", b, err)
	}
}

func TestBlobReturnsIndependentCopy(t *testing.T) {
	src := []byte{9, 9, 9}
	w := NewWriter(0)
	w.Blob(src)
	src[0] = 0 // mutate after writing; Writer must have copied

	r := NewReader(w.Bytes())
	got, err := r.Blob()
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	got[0] = 42 // mutate the returned slice; must not alias the reader's buffer
	r2 := NewReader(w.Bytes())
	again, _ := r2.Blob()
	if again[0] != 9 {
		t.Errorf("expected Blob to return an independent copy, got %v", again)
	}
}

func TestUnderflowErrors(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.U64(); err == nil {
		t.Fatal("expected underflow error reading U64 from 2 bytes")
	} else if cerr, ok := err.(*Error); !ok || cerr.Kind != Underflow {
		t.Errorf("expected Underflow error kind, got %v", err)
	}
}

func TestVarintTooLongErrors(t *testing.T) {
	buf := make([]byte, 11)
	for i := range buf {
		buf[i] = 0x80
	}
	r := NewReader(buf)
	if _, err := r.Varint(); err == nil {
		t.Fatal("expected error decoding an over-long varint")
	}
}

func TestTagRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.Tag(7)
	r := NewReader(w.Bytes())
	got, err := r.Tag()
	if err != nil || got != 7 {
		t.Fatalf("Tag: %v %v", got, err)
	}
}
