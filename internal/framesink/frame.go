package framesink

import (
	"image"
	"sync"
	"sync/atomic"
)

// Frame is a decoded RGBA image owned by a Sink. Consumers may read it only
// inside the Render callback and must not retain it afterwards.
type Frame struct {
	img      *image.RGBA
	seq      uint64
	released atomic.Bool
}

// Image returns the pixels. The returned image is invalid once the Render
// callback that received the frame returns.
func (f *Frame) Image() *image.RGBA { return f.img }

// Seq is the publish sequence number that produced this frame.
func (f *Frame) Seq() uint64 { return f.seq }

// Width of the frame in pixels.
func (f *Frame) Width() int { return f.img.Rect.Dx() }

// Height of the frame in pixels.
func (f *Frame) Height() int { return f.img.Rect.Dy() }

// Released reports whether the frame's pixel buffer went back to the pool.
func (f *Frame) Released() bool { return f.released.Load() }

// pixelPool recycles pixel buffers between frames of similar size.
var pixelPool sync.Pool

func getPixels(n int) []uint8 {
	if v := pixelPool.Get(); v != nil {
		b := *(v.(*[]uint8))
		if cap(b) >= n {
			return b[:n]
		}
	}
	return make([]uint8, n)
}

func newFrame(bounds image.Rectangle, seq uint64) *Frame {
	r := image.Rect(0, 0, bounds.Dx(), bounds.Dy())
	pix := getPixels(4 * r.Dx() * r.Dy())
	return &Frame{
		img: &image.RGBA{Pix: pix, Stride: 4 * r.Dx(), Rect: r},
		seq: seq,
	}
}

// release returns the pixel buffer to the pool. Safe to call on nil and more
// than once; only the first call recycles.
func (f *Frame) release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	pix := f.img.Pix
	f.img.Pix = nil
	pixelPool.Put(&pix)
}
