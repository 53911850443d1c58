// Package frame defines per-camera frames and the time-aligned framesets the
// aggregator emits.
package frame

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// MaxArity is the largest number of cameras one pipeline can run.
const MaxArity = 4

// CameraIndex identifies a camera within one pipeline, 0 <= index < arity.
type CameraIndex int

// Frame is one camera's image with its capture tag.
type Frame struct {
	Camera    CameraIndex
	Seq       uint64
	Timestamp time.Time
	Image     gocv.Mat
}

// Close releases the image.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Image.Close()
}

// Frameset bundles frames captured at approximately the same instant.
// Cameras that did not deliver in time are nil.
type Frameset struct {
	Seq    uint64
	Arity  int
	Frames [MaxArity]*Frame
}

// NewFrameset returns an empty frameset for the given arity.
// It panics if arity is outside 1..MaxArity.
func NewFrameset(seq uint64, arity int) *Frameset {
	if arity < 1 || arity > MaxArity {
		panic(fmt.Sprintf("frame: arity %d out of range", arity))
	}
	return &Frameset{Seq: seq, Arity: arity}
}

// Put stores f under its camera index. It panics when the index is not
// within the arity; an existing frame for that camera is closed.
func (fs *Frameset) Put(f *Frame) {
	if int(f.Camera) < 0 || int(f.Camera) >= fs.Arity {
		panic(fmt.Sprintf("frame: camera %d outside arity %d", f.Camera, fs.Arity))
	}
	if old := fs.Frames[f.Camera]; old != nil {
		old.Close()
	}
	fs.Frames[f.Camera] = f
}

// Get returns the frame of camera cam or nil.
func (fs *Frameset) Get(cam CameraIndex) *Frame {
	if int(cam) < 0 || int(cam) >= fs.Arity {
		return nil
	}
	return fs.Frames[cam]
}

// Len returns the number of cameras present.
func (fs *Frameset) Len() int {
	n := 0
	for i := 0; i < fs.Arity; i++ {
		if fs.Frames[i] != nil {
			n++
		}
	}
	return n
}

// Cameras lists the present cameras in index order.
func (fs *Frameset) Cameras() []CameraIndex {
	out := make([]CameraIndex, 0, fs.Arity)
	for i := 0; i < fs.Arity; i++ {
		if fs.Frames[i] != nil {
			out = append(out, CameraIndex(i))
		}
	}
	return out
}

// Close releases every frame.
func (fs *Frameset) Close() {
	if fs == nil {
		return
	}
	for i := range fs.Frames {
		if fs.Frames[i] != nil {
			fs.Frames[i].Close()
			fs.Frames[i] = nil
		}
	}
}
