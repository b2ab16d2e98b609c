package frame

import (
	"image"
	"math"
)

// fallbackScore is reported when a frame cannot be analyzed.
const fallbackScore = 50.0

// Canny-style gradient thresholds.
const (
	edgeLowThreshold  = 50.0
	edgeHighThreshold = 150.0
)

// Score rates a decoded frame in [0, 100] from four grayscale statistics:
// sharpness (Laplacian variance), brightness (mean), contrast (stdev) and
// edge density. The score feeds priority computation and diagnostics; it
// never rejects a frame.
func Score(img *image.RGBA) float64 {
	if img == nil {
		return fallbackScore
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 3 || h < 3 {
		return fallbackScore
	}

	gray := grayscale(img)

	sharpness := clamp(laplacianVariance(gray, w, h)/10, 0, 100)
	mean, stdev := meanStdev(gray)
	brightness := clamp(mean/2.55, 0, 100)
	contrast := clamp(stdev/2.55, 0, 100)
	edges := clamp(edgeDensity(gray, w, h)*1000, 0, 100)

	score := 0.4*sharpness + 0.2*brightness + 0.2*contrast + 0.2*edges
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fallbackScore
	}
	return score
}

// grayscale flattens RGBA pixels to a luma plane using the usual BT.601
// weights.
func grayscale(img *image.RGBA) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	gray := make([]float32, w*h)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r := float32(row[x*4])
			g := float32(row[x*4+1])
			b := float32(row[x*4+2])
			gray[y*w+x] = 0.299*r + 0.587*g + 0.114*b
		}
	}
	return gray
}

// laplacianVariance measures focus as the variance of the 4-neighbor
// Laplacian over interior pixels.
func laplacianVariance(gray []float32, w, h int) float64 {
	var sum, sumSq float64
	n := 0

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			lap := float64(gray[i-w] + gray[i+w] + gray[i-1] + gray[i+1] - 4*gray[i])
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return variance
}

func meanStdev(gray []float32) (float64, float64) {
	if len(gray) == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, v := range gray {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	n := float64(len(gray))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// edgeDensity returns the fraction of pixels on an edge. Blur, Sobel
// gradient, double threshold, then weak pixels survive only next to a
// strong one.
func edgeDensity(gray []float32, w, h int) float64 {
	blurred := gaussianBlur(gray, w, h)

	mag := make([]float32, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			gx := -blurred[i-w-1] - 2*blurred[i-1] - blurred[i+w-1] +
				blurred[i-w+1] + 2*blurred[i+1] + blurred[i+w+1]
			gy := -blurred[i-w-1] - 2*blurred[i-w] - blurred[i-w+1] +
				blurred[i+w-1] + 2*blurred[i+w] + blurred[i+w+1]
			mag[i] = float32(math.Sqrt(float64(gx*gx + gy*gy)))
		}
	}

	const (
		none = iota
		weak
		strong
	)
	marks := make([]uint8, w*h)
	for i, m := range mag {
		switch {
		case m >= edgeHighThreshold:
			marks[i] = strong
		case m >= edgeLowThreshold:
			marks[i] = weak
		}
	}

	edges := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			switch marks[i] {
			case strong:
				edges++
			case weak:
				if marks[i-w-1] == strong || marks[i-w] == strong || marks[i-w+1] == strong ||
					marks[i-1] == strong || marks[i+1] == strong ||
					marks[i+w-1] == strong || marks[i+w] == strong || marks[i+w+1] == strong {
					edges++
				}
			}
		}
	}
	return float64(edges) / float64(w*h)
}

// gaussianBlur applies a 3x3 kernel (1 2 1; 2 4 2; 1 2 1)/16. Border pixels
// are copied through.
func gaussianBlur(gray []float32, w, h int) []float32 {
	out := make([]float32, len(gray))
	copy(out, gray)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			out[i] = (gray[i-w-1] + 2*gray[i-w] + gray[i-w+1] +
				2*gray[i-1] + 4*gray[i] + 2*gray[i+1] +
				gray[i+w-1] + 2*gray[i+w] + gray[i+w+1]) / 16
		}
	}
	return out
}
