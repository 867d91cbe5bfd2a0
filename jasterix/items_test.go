package jasterix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCtx(buf []byte) *parseCtx {
	return &parseCtx{buf: buf}
}

func TestParseFixedBytesUint(t *testing.T) {
	it := &ItemDef{Name: "SAC", Type: TypeFixedBytes, Length: 1, DataType: DataUint}
	out := NewMap()
	n, err := it.parseInto(newTestCtx([]byte{0x40}), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v, _ := out.Get("SAC")
	u, _ := v.Uint()
	assert.Equal(t, uint64(64), u)
}

func TestParseFixedBitsWithLSB(t *testing.T) {
	it := &ItemDef{Name: "alt", Type: TypeFixedBits, Start: 0, Length: 8, DataType: DataUint, HasLSB: true, Scale: 0.5}
	out := NewMap()
	n, err := it.parseInto(newTestCtx([]byte{0x0A}), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fixed_bits never advances the cursor")
	v, _ := out.Get("alt")
	f, _ := v.Float()
	assert.InDelta(t, 5.0, f, 1e-9)
}

// Scenario 3 from spec: a 1-byte bitfield 0xC3 with A at [0,2), B at [2,6),
// C at [6,8). Expected A=3, B=0, C=3.
func TestParseFixedBitfield(t *testing.T) {
	it := &ItemDef{
		Name: "bf", Type: TypeFixedBitfield, Length: 1,
		Items: []*ItemDef{
			{Name: "A", Type: TypeFixedBits, Start: 0, Length: 2, DataType: DataUint},
			{Name: "B", Type: TypeFixedBits, Start: 2, Length: 4, DataType: DataUint},
			{Name: "C", Type: TypeFixedBits, Start: 6, Length: 2, DataType: DataUint},
		},
	}
	out := NewMap()
	n, err := it.parseInto(newTestCtx([]byte{0xC3}), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, _ := out.Get("A")
	b, _ := out.Get("B")
	c, _ := out.Get("C")
	av, _ := a.Uint()
	bv, _ := b.Uint()
	cv, _ := c.Uint()
	assert.Equal(t, uint64(3), av)
	assert.Equal(t, uint64(0), bv)
	assert.Equal(t, uint64(3), cv)
}

func TestParseFixedBitfieldOptionalSkippedWhenVariableDiffers(t *testing.T) {
	it := &ItemDef{
		Name: "bf", Type: TypeFixedBitfield, Length: 1,
		Optional: true, OptionalVariableName: "mode", OptionalVariableValue: 1,
		Items: []*ItemDef{
			{Name: "A", Type: TypeFixedBits, Start: 0, Length: 8, DataType: DataUint},
		},
	}
	parent := NewMap()
	parent.Set("mode", NewUint(0))
	out := NewMap()
	n, err := it.parseInto(newTestCtx([]byte{0xFF}), 0, 0, out, parent)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, ok := out.Get("A")
	assert.False(t, ok)
}

func TestParseFixedBitfieldOptionalPresentWhenVariableMatches(t *testing.T) {
	it := &ItemDef{
		Name: "bf", Type: TypeFixedBitfield, Length: 1,
		Optional: true, OptionalVariableName: "mode", OptionalVariableValue: 1,
		Items: []*ItemDef{
			{Name: "A", Type: TypeFixedBits, Start: 0, Length: 8, DataType: DataUint},
		},
	}
	parent := NewMap()
	parent.Set("mode", NewUint(1))
	out := NewMap()
	n, err := it.parseInto(newTestCtx([]byte{0xFF}), 0, 0, out, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v, ok := out.Get("A")
	require.True(t, ok)
	u, _ := v.Uint()
	assert.Equal(t, uint64(0xFF), u)
}

// Scenario 2: extended FSPEC 0x81 0x02 gates items 0 and 13. Byte 0 (0x81)
// sets payload bit 0 (global index 0) and its extension bit; byte 1 (0x02)
// sets payload bit 6 within that byte (global index 7+6 = 13) with its
// extension bit clear.
func TestParseFieldSpecificationExtended(t *testing.T) {
	fs := &ItemDef{Name: "fspec", Type: TypeExtendable}
	bits, consumed, err := parseFieldSpecification(fs, []byte{0x81, 0x02, 0x7F}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, consumed)
	require.Len(t, bits, 14)
	for i, want := range []bool{true, false, false, false, false, false, false,
		false, false, false, false, false, false, true} {
		assert.Equalf(t, want, bits[i], "bit %d", i)
	}
}

func TestParseFieldSpecificationReverseBits(t *testing.T) {
	// 0x01 reversed is 0x80: extension bit (bit 0 after reversal) is 0, so
	// a single extent; payload bit 0 (MSB of the reversed byte) is set.
	fs := &ItemDef{Name: "fspec", Type: TypeExtendable, ReverseBits: true}
	bits, consumed, err := parseFieldSpecification(fs, []byte{0x01}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, consumed)
	assert.True(t, bits[0])
}

// Scenario 4: repetition count 0x03 then three 2-byte values.
func TestParseRepetitive(t *testing.T) {
	it := &ItemDef{
		Name:           "values",
		Type:           TypeRepetitive,
		RepetitionItem: &ItemDef{Name: "count", Type: TypeFixedBytes, Length: 1, DataType: DataUint},
		SubItem:        &ItemDef{Name: "value", Type: TypeFixedBytes, Length: 2, DataType: DataUint},
	}
	buf := []byte{0x03, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03}
	out := NewMap()
	n, err := it.parseInto(newTestCtx(buf), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	arr, _ := out.Get("values")
	require.Equal(t, 3, arr.Len())
	for i, want := range []uint64{1, 2, 3} {
		v, _ := arr.Index(i).Uint()
		assert.Equal(t, want, v)
	}
}

func TestParseDynamicBytesResolvesLengthFromParent(t *testing.T) {
	it := &ItemDef{Name: "payload", Type: TypeDynamicBytes, LengthVariableName: "len", DataType: DataBin}
	parent := NewMap()
	parent.Set("len", NewUint(3))
	out := NewMap()
	n, err := it.parseInto(newTestCtx([]byte{0xAA, 0xBB, 0xCC, 0xDD}), 0, 0, out, parent)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	v, _ := out.Get("payload")
	b, _ := v.Bytes()
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, b)
}

func TestParseSkipBytesAdvancesWithoutWriting(t *testing.T) {
	it := &ItemDef{Type: TypeSkipBytes, Length: 2}
	out := NewMap()
	n, err := it.parseInto(newTestCtx([]byte{0x01, 0x02, 0x03}), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, out.Keys())
}

func TestParseCompoundGatesItemsByBit(t *testing.T) {
	compound := &ItemDef{
		Name: "record",
		Type: TypeCompound,
		FieldSpecification: &ItemDef{
			Name: "fspec", Type: TypeExtendable,
		},
		Items: []*ItemDef{
			{Name: "i0", Type: TypeFixedBytes, Length: 1, DataType: DataUint},
			{Name: "i1", Type: TypeFixedBytes, Length: 1, DataType: DataUint},
		},
	}
	// FSPEC 0x80: bit0 set, bit1 clear, no extension.
	buf := []byte{0x80, 0x11}
	out := NewMap()
	n, err := compound.parseInto(newTestCtx(buf), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	nested, ok := out.Get("record")
	require.True(t, ok)
	_, present := nested.Get("i0")
	assert.True(t, present)
	_, absent := nested.Get("i1")
	assert.False(t, absent)
}

func TestExtendableItemCollectsRepeatedFieldAcrossExtents(t *testing.T) {
	it := &ItemDef{
		Type: TypeExtendable,
		Items: []*ItemDef{
			{Name: "flag", Type: TypeFixedBits, Start: 0, Length: 7, DataType: DataUint},
		},
	}
	// Two 1-byte extents: first has extension bit set, second clear.
	// 0x03 = 0b00000011: bits[0:7]=0000001, ext=1 (continue)
	// 0x04 = 0b00000100: bits[0:7]=0000010, ext=0 (stop)
	buf := []byte{0x03, 0x04}
	out := NewMap()
	n, err := it.parseInto(newTestCtx(buf), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, _ := out.Get("flag")
	// "flag" is declared in every extent, so both values are preserved as
	// an array in extent order rather than the second overwriting the
	// first, making the extent count observable (spec §8 invariant 3).
	require.Equal(t, KindArray, v.Kind())
	require.Equal(t, 2, v.Len())
	first, _ := v.Index(0).Uint()
	second, _ := v.Index(1).Uint()
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
}

func TestExtendableItemSingleExtentFieldStaysScalar(t *testing.T) {
	it := &ItemDef{
		Type: TypeExtendable,
		Items: []*ItemDef{
			{Name: "a", Type: TypeFixedBits, Start: 0, Length: 7, DataType: DataUint},
		},
	}
	// A single extent writes "a" once, so it is flattened into out as a
	// bare scalar rather than collected into an array.
	buf := []byte{0x02} // bits[0:7]=0000001, ext=0 (stop after one extent)
	out := NewMap()
	n, err := it.parseInto(newTestCtx(buf), 0, 0, out, out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, _ := out.Get("a")
	require.Equal(t, KindUint, v.Kind())
	u, _ := v.Uint()
	assert.Equal(t, uint64(1), u)
}
