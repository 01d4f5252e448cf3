package host

import (
	"context"
	"time"

	"github.com/GriffinCanCode/hookhost/internal/domain/hook/soft"
	"github.com/GriffinCanCode/hookhost/internal/domain/memory"
)

// Emulated image layout
const (
	CodeBase    = 0x140000000
	HeapBase    = 0x150000000
	StringsBase = 0x160000000

	codePages    = 16
	heapPages    = 64
	stringsPages = 4
)

// updatePrologue is the byte signature of the emulated frame function
var updatePrologue = []byte{
	0x48, 0x89, 0x5C, 0x24, 0x08, // mov [rsp+8], rbx
	0x57,                   // push rdi
	0x48, 0x83, 0xEC, 0x20, // sub rsp, 0x20
	0x48, 0x8B, 0xF9, // mov rdi, rcx
	0xC3,
}

// UpdatePattern finds the frame function in the emulated image
const UpdatePattern = "48 89 5C 24 08 57 48 83 EC 20 48 8B F9"

// Image is an in-memory process image served by the software engine
type Image struct {
	Code    *memory.Buffer
	Heap    *memory.Buffer
	Strings *memory.Buffer
	Engine  *soft.Engine

	// Update is the per-frame function. Its first argument is the frame
	// number and it returns the frame number.
	Update uintptr
}

// NewImage builds an emulated image with its frame function defined
func NewImage() *Image {
	img := &Image{
		Code:    memory.NewBuffer(CodeBase, codePages*memory.PageSize, memory.ProtRX),
		Heap:    memory.NewBuffer(HeapBase, heapPages*memory.PageSize, memory.ProtRW),
		Strings: memory.NewBuffer(StringsBase, stringsPages*memory.PageSize, memory.ProtRW),
	}
	img.Engine = soft.New(img.Code).WithStringArena(img.Strings)
	img.Update = img.Engine.MustDefine("on_update", updatePrologue, func(_ context.Context, args []uintptr) uintptr {
		return args[0]
	})
	return img
}

// Space returns the image as one address space
func (img *Image) Space() memory.Space {
	return memory.NewComposite(img.Code, img.Heap, img.Strings)
}

// Tick runs one frame
func (img *Image) Tick(ctx context.Context, frame uint64) error {
	_, err := img.Engine.Call(ctx, img.Update, uintptr(frame))
	return err
}

// Run ticks every interval until ctx is done
func (img *Image) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			frame++
			if err := img.Tick(ctx, frame); err != nil {
				return err
			}
		}
	}
}
