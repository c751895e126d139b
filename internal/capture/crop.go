package capture

import "fmt"

// CropFrame cuts region out of a full-monitor frame. region is in monitor-local logical
// pixels; when the frame is larger than the monitor bounds (HiDPI) the rectangle is scaled.
func CropFrame(f Frame, region Rect, monitor Rect) (Frame, error) {
	x, y, w, h := region.X, region.Y, region.Width, region.Height
	if monitor.Width > 0 && monitor.Height > 0 && (f.Width != monitor.Width || f.Height != monitor.Height) {
		sx := float64(f.Width) / float64(monitor.Width)
		sy := float64(f.Height) / float64(monitor.Height)
		x, y = int(float64(x)*sx), int(float64(y)*sy)
		w, h = int(float64(w)*sx), int(float64(h)*sy)
	}
	if w <= 0 || h <= 0 || x < 0 || y < 0 || x+w > f.Width || y+h > f.Height {
		return Frame{}, fmt.Errorf("crop %dx%d+%d+%d outside %dx%d frame", w, h, x, y, f.Width, f.Height)
	}

	stride := w * 4
	pixels := make([]byte, stride*h)
	for row := 0; row < h; row++ {
		src := (y+row)*f.Stride + x*4
		copy(pixels[row*stride:(row+1)*stride], f.Pixels[src:src+stride])
	}
	return Frame{Width: w, Height: h, Stride: stride, Pixels: pixels, Timestamp: f.Timestamp}, nil
}
