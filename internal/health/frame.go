package health

import (
	"image"
	"time"
)

// Frame is one decoded video frame as seen by the monitor. Luma is an
// optional downsampled luminance plane; transports that only observe
// frame arrival (no decoded pixels in-process) leave it nil, which
// limits detection to frozen-feed checks.
type Frame struct {
	At   time.Time
	Luma []uint8
	W    int
	H    int
}

// lumaStride controls pixel downsampling; full-resolution scans are
// pointless for a liveness check.
const lumaStride = 8

// FrameFromImage extracts a stride-downsampled luminance plane.
func FrameFromImage(img image.Image, at time.Time) Frame {
	bounds := img.Bounds()

	w := (bounds.Dx() + lumaStride - 1) / lumaStride
	h := (bounds.Dy() + lumaStride - 1) / lumaStride
	if w < 1 || h < 1 {
		return Frame{At: at}
	}

	luma := make([]uint8, 0, w*h)

	if yimg, ok := img.(*image.YCbCr); ok {
		for y := bounds.Min.Y; y < bounds.Max.Y; y += lumaStride {
			for x := bounds.Min.X; x < bounds.Max.X; x += lumaStride {
				luma = append(luma, yimg.Y[yimg.YOffset(x, y)])
			}
		}
	} else {
		for y := bounds.Min.Y; y < bounds.Max.Y; y += lumaStride {
			for x := bounds.Min.X; x < bounds.Max.X; x += lumaStride {
				r, g, b, _ := img.At(x, y).RGBA()
				// BT.601 luma on 8-bit components
				luma = append(luma, uint8((299*(r>>8)+587*(g>>8)+114*(b>>8))/1000))
			}
		}
	}

	return Frame{At: at, Luma: luma, W: w, H: h}
}

// meanLuminance averages the luminance plane.
func (f Frame) meanLuminance() float64 {
	if len(f.Luma) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range f.Luma {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(f.Luma))
}

// delta computes the mean absolute per-pixel difference against a
// previous frame. Frames of different geometry always count as changed.
func (f Frame) delta(prev Frame) float64 {
	if len(f.Luma) == 0 || len(f.Luma) != len(prev.Luma) {
		return 255
	}
	var sum uint64
	for i, v := range f.Luma {
		d := int(v) - int(prev.Luma[i])
		if d < 0 {
			d = -d
		}
		sum += uint64(d)
	}
	return float64(sum) / float64(len(f.Luma))
}
