package memory

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
	"github.com/GriffinCanCode/hookhost/internal/shared/types"
)

const testBase = 0x400000

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	buf := NewBuffer(testBase, 4*PageSize, ProtRW)
	require.NoError(t, buf.Protect(testBase+2*PageSize, PageSize, ProtRX))
	require.NoError(t, buf.Protect(testBase+3*PageSize, PageSize, ProtNone))
	return buf
}

func TestProtString(t *testing.T) {
	assert.Equal(t, "rw-", ProtRW.String())
	assert.Equal(t, "r-x", ProtRX.String())
	assert.Equal(t, "---", ProtNone.String())
	assert.True(t, ProtRWX.Has(ProtExec))
	assert.False(t, ProtRW.Has(ProtExec))
}

func TestBufferQueryMergesPages(t *testing.T) {
	buf := newTestBuffer(t)

	r, err := buf.Query(testBase + 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uintptr(testBase), r.Addr)
	assert.Equal(t, uintptr(2*PageSize), r.Size)
	assert.Equal(t, ProtRW, r.Prot)

	r, err = buf.Query(testBase + 2*PageSize + 8)
	require.NoError(t, err)
	assert.Equal(t, ProtRX, r.Prot)

	_, err = buf.Query(testBase + 4*PageSize)
	assert.ErrorIs(t, err, ErrUnmapped)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestAccessorPermissions(t *testing.T) {
	acc := NewAccessor(newTestBuffer(t))

	tests := []struct {
		name string
		addr uintptr
		n    int
		need Prot
		ok   bool
	}{
		{"read rw", testBase, 16, ProtRead, true},
		{"write rw", testBase + 8, 8, ProtWrite, true},
		{"write rx", testBase + 2*PageSize, 4, ProtWrite, false},
		{"exec rx", testBase + 2*PageSize, 1, ProtExec, true},
		{"read none", testBase + 3*PageSize, 1, ProtRead, false},
		{"span into none", testBase + 3*PageSize - 4, 8, ProtRead, false},
		{"span rw into rx", testBase + 2*PageSize - 4, 8, ProtRead, true},
		{"reserved null page", 0x1000, 4, ProtRead, false},
		{"reserved limit", ReservedLimit, 1, ProtRead, false},
		{"non canonical", uintptr(math.MaxUint64), 1, ProtRead, false},
		{"unmapped", 0x900000, 4, ProtRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := acc.Check(tt.addr, tt.n, tt.need)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errs.ErrPermissionDenied)
			}
		})
	}
}

func TestAccessorTypedValues(t *testing.T) {
	buf := newTestBuffer(t)
	acc := NewAccessor(buf)

	require.NoError(t, acc.WriteValue(testBase, types.KindI32, int64(-7)))
	require.NoError(t, acc.WriteValue(testBase+4, types.KindF32, 1.5))
	require.NoError(t, acc.WriteValue(testBase+8, types.KindBool, true))
	require.NoError(t, acc.WriteValue(testBase+16, types.KindU64, uint64(math.MaxUint64)))

	v, err := acc.ReadValue(testBase, types.KindI32)
	require.NoError(t, err)
	assert.Equal(t, int64(-7), v)

	v, err = acc.ReadValue(testBase, types.KindU32)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFFFFF9), v)

	v, err = acc.ReadValue(testBase+4, types.KindF32)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = acc.ReadValue(testBase+8, types.KindBool)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = acc.ReadValue(testBase+16, types.KindU64)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), v)

	err = acc.WriteValue(testBase+2*PageSize, types.KindU8, 1)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	err = acc.WriteValue(testBase, types.KindI32, 1.25)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestAccessorStrings(t *testing.T) {
	buf := newTestBuffer(t)
	acc := NewAccessor(buf)

	strAddr := uintptr(testBase + 0x100)
	require.NoError(t, buf.Write(strAddr, []byte("player\x00junk")))
	require.NoError(t, acc.WritePointer(testBase+0x40, strAddr))

	s, err := acc.ReadCString(strAddr, 0)
	require.NoError(t, err)
	assert.Equal(t, "player", s)

	s, err = acc.ReadCString(strAddr, 3)
	require.NoError(t, err)
	assert.Equal(t, "pla", s)

	v, err := acc.ReadValue(testBase+0x40, types.KindString)
	require.NoError(t, err)
	assert.Equal(t, "player", v)
}

func TestPointerChains(t *testing.T) {
	buf := newTestBuffer(t)
	acc := NewAccessor(buf)

	// base+0x10 -> objA; objA+0x20 -> objB
	objA := uintptr(testBase + 0x200)
	objB := uintptr(testBase + 0x300)
	require.NoError(t, acc.WritePointer(testBase+0x10, objA))
	require.NoError(t, acc.WritePointer(objA+0x20, objB))

	addr, err := acc.OffsetPointer(testBase, 0x10, 0x20, 0x8)
	require.NoError(t, err)
	assert.Equal(t, objB+0x8, addr)

	addr, err = acc.DerefChain(testBase+0x10, 0x20)
	require.NoError(t, err)
	assert.Equal(t, objA+0x20, addr)

	_, err = acc.OffsetPointer(testBase, 0x500, 0x8, 0)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied, "null pointer in chain")
}

func TestPatcherApplyRestore(t *testing.T) {
	buf := newTestBuffer(t)
	code := uintptr(testBase + 2*PageSize)
	require.NoError(t, buf.Write(code, []byte{0x48, 0x89, 0xC8, 0xC3}))

	p := NewPatcher(NewAccessor(buf))

	require.NoError(t, p.Fill(code, NOP, 3))
	got, _ := buf.Read(code, 4)
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0xC3}, got)

	r, _ := buf.Query(code)
	assert.Equal(t, ProtRX, r.Prot, "protection is restored after patching")

	err := p.Apply(code+2, []byte{0xCC, 0xCC})
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	require.NoError(t, p.Apply(code+3, []byte{0xCC}))
	assert.Equal(t, 2, p.Len())

	ok, err := p.Restore(code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Restore(code)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.RestoreAll())
	got, _ = buf.Read(code, 4)
	assert.Equal(t, []byte{0x48, 0x89, 0xC8, 0xC3}, got)
	assert.Empty(t, p.Active())
}

func TestPatcherRejectsInaccessible(t *testing.T) {
	p := NewPatcher(NewAccessor(newTestBuffer(t)))

	err := p.Apply(testBase+3*PageSize, []byte{1})
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)

	err = p.Apply(testBase, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestViewGetSet(t *testing.T) {
	buf := newTestBuffer(t)
	acc := NewAccessor(buf)

	schema, err := NewSchema("Player",
		Field{Name: "health", Offset: 0x10, Kind: types.KindF32},
		Field{Name: "level", Offset: 0x14, Kind: types.KindU16},
		Field{Name: "next", Offset: 0x18, Kind: types.KindPointer},
	)
	require.NoError(t, err)

	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], 42)
	require.NoError(t, buf.Write(testBase+0x114, raw[:]))

	v := NewView(acc, testBase+0x100, schema)
	level, err := v.Get("level")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), level)

	require.NoError(t, v.Set("health", 87.5))
	health, err := v.Get("health")
	require.NoError(t, err)
	assert.Equal(t, 87.5, health)

	_, err = v.Get("mana")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	values, failed := v.Snapshot()
	assert.Empty(t, failed)
	assert.Len(t, values, 3)

	unreadable := NewView(acc, testBase+3*PageSize, schema)
	_, err = unreadable.Get("level")
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
}

func TestSchemaValidation(t *testing.T) {
	_, err := NewSchema("Dup",
		Field{Name: "a", Offset: 0, Kind: types.KindU8},
		Field{Name: "a", Offset: 1, Kind: types.KindU8},
	)
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = NewSchema("Void", Field{Name: "v", Kind: types.KindVoid})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	set := NewSchemaSet()
	s, err := NewSchema("Entity", Field{Name: "id", Kind: types.KindU32})
	require.NoError(t, err)
	set.Define(s)

	got, err := set.Get("Entity")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, []string{"Entity"}, set.Names())

	_, err = set.Get("Missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCompositeRoutesBySpace(t *testing.T) {
	code := NewBuffer(0x10000000, PageSize, ProtRX)
	data := NewBuffer(0x20000000, PageSize, ProtRW)
	acc := NewAccessor(NewComposite(code, data))

	require.NoError(t, acc.Write(0x20000010, []byte{1, 2, 3}))
	got, err := data.Read(0x20000010, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	assert.NoError(t, acc.CheckExecutable(0x10000000))
	assert.ErrorIs(t, acc.Write(0x10000000, []byte{0x90}), errs.ErrPermissionDenied)
	assert.ErrorIs(t, acc.Check(0x30000000, 1, ProtRead), errs.ErrPermissionDenied)

	p := NewPatcher(acc)
	require.NoError(t, p.Fill(0x10000000, NOP, 2))
	got, err = code.Read(0x10000000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{NOP, NOP}, got)
	assert.ErrorIs(t, p.Fill(0x10000100, NOP, 0), errs.ErrInvalidArgument)
}
