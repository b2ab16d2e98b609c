package frame

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
)

var (
	keepAliveOnce sync.Once
	keepAliveJPEG []byte
)

// KeepAlive returns a small pre-encoded gray JPEG. Viewers receive it in
// place of a real frame so the multipart stream never goes silent while the
// buffer is empty.
func KeepAlive() []byte {
	keepAliveOnce.Do(func() {
		img := image.NewGray(image.Rect(0, 0, 16, 16))
		for i := range img.Pix {
			img.Pix[i] = 128
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err == nil {
			keepAliveJPEG = buf.Bytes()
		}
	})
	return keepAliveJPEG
}
