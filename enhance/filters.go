package enhance

import (
	"image"
	"math"
)

// Filters operate on the luma plane where the mode calls for tonal work
// (CLAHE, equalization) and on RGB for spatial work (denoise, sharpen).
// Chroma survives tonal filters by scaling RGB with the luma ratio.

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}

// lumaPlane extracts BT.601 luma as one byte per pixel.
func lumaPlane(img *image.RGBA) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	luma := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r := float32(row[x*4])
			g := float32(row[x*4+1])
			bl := float32(row[x*4+2])
			luma[y*w+x] = uint8(0.299*r + 0.587*g + 0.114*bl)
		}
	}
	return luma
}

// lumaStats returns mean and stdev of the luma plane.
func lumaStats(img *image.RGBA) (float64, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			l := 0.299*float64(row[x*4]) + 0.587*float64(row[x*4+1]) + 0.114*float64(row[x*4+2])
			sum += l
			sumSq += l * l
		}
	}
	n := float64(w * h)
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// applyChannelLUT remaps R, G and B through the same lookup table in place.
func applyChannelLUT(img *image.RGBA, lut *[256]uint8) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			row[x*4] = lut[row[x*4]]
			row[x*4+1] = lut[row[x*4+1]]
			row[x*4+2] = lut[row[x*4+2]]
		}
	}
}

func brightnessLUT(delta int) [256]uint8 {
	var lut [256]uint8
	for i := 0; i < 256; i++ {
		lut[i] = clampU8(float64(i + delta))
	}
	return lut
}

func gammaLUT(gamma float64) [256]uint8 {
	var lut [256]uint8
	for i := 0; i < 256; i++ {
		lut[i] = clampU8(255 * math.Pow(float64(i)/255, gamma))
	}
	return lut
}

func contrastLUT(gain, bias float64) [256]uint8 {
	var lut [256]uint8
	for i := 0; i < 256; i++ {
		lut[i] = clampU8(gain*(float64(i)-128) + 128 + bias)
	}
	return lut
}

// equalizeLuma applies global histogram equalization on the luma plane.
func equalizeLuma(img *image.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	luma := lumaPlane(img)

	var hist [256]int
	for _, v := range luma {
		hist[v]++
	}

	n := w * h
	if n == 0 {
		return
	}
	var mapping [256]uint8
	cdf := 0
	for i := 0; i < 256; i++ {
		cdf += hist[i]
		mapping[i] = uint8(min(255, cdf*255/n))
	}

	newLuma := make([]uint8, len(luma))
	for i, v := range luma {
		newLuma[i] = mapping[v]
	}
	applyLumaRatio(img, luma, newLuma)
}

// clahe performs contrast-limited adaptive histogram equalization on luma.
// Tile mappings are bilinearly interpolated so tile seams do not show.
func clahe(img *image.RGBA, clipLimit float64, tiles int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if tiles < 1 || w < 2*tiles || h < 2*tiles {
		return
	}
	luma := lumaPlane(img)

	tileW := (w + tiles - 1) / tiles
	tileH := (h + tiles - 1) / tiles

	mappings := make([][256]uint8, tiles*tiles)
	for ty := 0; ty < tiles; ty++ {
		for tx := 0; tx < tiles; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)

			var hist [256]int
			n := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[luma[y*w+x]]++
					n++
				}
			}
			if n == 0 {
				continue
			}

			// Clip the histogram and spread the excess evenly.
			limit := max(1, int(clipLimit*float64(n)/256))
			excess := 0
			for i := range hist {
				if hist[i] > limit {
					excess += hist[i] - limit
					hist[i] = limit
				}
			}
			share, rem := excess/256, excess%256
			for i := range hist {
				hist[i] += share
				if i < rem {
					hist[i]++
				}
			}

			var m [256]uint8
			cdf := 0
			for i := 0; i < 256; i++ {
				cdf += hist[i]
				m[i] = uint8(min(255, cdf*255/n))
			}
			mappings[ty*tiles+tx] = m
		}
	}

	newLuma := make([]uint8, len(luma))
	for y := 0; y < h; y++ {
		fy := float64(y)/float64(tileH) - 0.5
		ty0 := int(math.Floor(fy))
		wy := fy - float64(ty0)
		ty1 := min(ty0+1, tiles-1)
		ty0 = max(ty0, 0)

		for x := 0; x < w; x++ {
			fx := float64(x)/float64(tileW) - 0.5
			tx0 := int(math.Floor(fx))
			wx := fx - float64(tx0)
			tx1 := min(tx0+1, tiles-1)
			tx0 = max(tx0, 0)

			v := luma[y*w+x]
			v00 := float64(mappings[ty0*tiles+tx0][v])
			v01 := float64(mappings[ty0*tiles+tx1][v])
			v10 := float64(mappings[ty1*tiles+tx0][v])
			v11 := float64(mappings[ty1*tiles+tx1][v])

			top := (1-wx)*v00 + wx*v01
			bottom := (1-wx)*v10 + wx*v11
			newLuma[y*w+x] = clampU8((1-wy)*top + wy*bottom)
		}
	}

	applyLumaRatio(img, luma, newLuma)
}

// applyLumaRatio rescales RGB so the pixel's luma moves from old to new
// while hue is preserved.
func applyLumaRatio(img *image.RGBA, oldLuma, newLuma []uint8) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			old := oldLuma[i]
			if old == 0 {
				v := newLuma[i]
				row[x*4], row[x*4+1], row[x*4+2] = v, v, v
				continue
			}
			ratio := float64(newLuma[i]) / float64(old)
			row[x*4] = clampU8(float64(row[x*4]) * ratio)
			row[x*4+1] = clampU8(float64(row[x*4+1]) * ratio)
			row[x*4+2] = clampU8(float64(row[x*4+2]) * ratio)
		}
	}
}

// bilateral denoises while keeping edges: neighbor weight falls off with
// both distance and luma difference.
func bilateral(img *image.RGBA, radius int, sigmaSpace, sigmaRange float64) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := cloneRGBA(img)
	if radius < 1 || w <= 2*radius || h <= 2*radius {
		return out
	}

	luma := lumaPlane(img)

	side := 2*radius + 1
	spatial := make([]float64, side*side)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			d2 := float64(dx*dx + dy*dy)
			spatial[(dy+radius)*side+(dx+radius)] = math.Exp(-d2 / (2 * sigmaSpace * sigmaSpace))
		}
	}
	var rangeLUT [256]float64
	for d := 0; d < 256; d++ {
		rangeLUT[d] = math.Exp(-float64(d*d) / (2 * sigmaRange * sigmaRange))
	}

	for y := radius; y < h-radius; y++ {
		for x := radius; x < w-radius; x++ {
			center := luma[y*w+x]
			var wr, wg, wb, wsum float64

			for dy := -radius; dy <= radius; dy++ {
				nrow := img.Pix[(y+dy)*img.Stride:]
				for dx := -radius; dx <= radius; dx++ {
					nl := luma[(y+dy)*w+(x+dx)]
					d := int(center) - int(nl)
					if d < 0 {
						d = -d
					}
					weight := spatial[(dy+radius)*side+(dx+radius)] * rangeLUT[d]
					o := (x + dx) * 4
					wr += weight * float64(nrow[o])
					wg += weight * float64(nrow[o+1])
					wb += weight * float64(nrow[o+2])
					wsum += weight
				}
			}

			o := y*out.Stride + x*4
			out.Pix[o] = clampU8(wr / wsum)
			out.Pix[o+1] = clampU8(wg / wsum)
			out.Pix[o+2] = clampU8(wb / wsum)
		}
	}
	return out
}

// convolveRGB applies a 3x3 kernel to each color channel. Border pixels are
// copied through.
func convolveRGB(img *image.RGBA, kernel *[9]float64) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := cloneRGBA(img)
	if w < 3 || h < 3 {
		return out
	}

	for y := 1; y < h-1; y++ {
		prev := img.Pix[(y-1)*img.Stride:]
		cur := img.Pix[y*img.Stride:]
		next := img.Pix[(y+1)*img.Stride:]
		dst := out.Pix[y*out.Stride:]

		for x := 1; x < w-1; x++ {
			for c := 0; c < 3; c++ {
				o := x*4 + c
				v := kernel[0]*float64(prev[o-4]) + kernel[1]*float64(prev[o]) + kernel[2]*float64(prev[o+4]) +
					kernel[3]*float64(cur[o-4]) + kernel[4]*float64(cur[o]) + kernel[5]*float64(cur[o+4]) +
					kernel[6]*float64(next[o-4]) + kernel[7]*float64(next[o]) + kernel[8]*float64(next[o+4])
				dst[o] = clampU8(v)
			}
		}
	}
	return out
}

var (
	gaussianKernel = [9]float64{
		1.0 / 16, 2.0 / 16, 1.0 / 16,
		2.0 / 16, 4.0 / 16, 2.0 / 16,
		1.0 / 16, 2.0 / 16, 1.0 / 16,
	}
	edgeKernel = [9]float64{
		-1, -1, -1,
		-1, 8, -1,
		-1, -1, -1,
	}
	sharpenKernel = [9]float64{
		0, -1, 0,
		-1, 5, -1,
		0, -1, 0,
	}
)

// unsharpMask adds amount times the difference between the image and its
// gaussian blur.
func unsharpMask(img *image.RGBA, amount float64) *image.RGBA {
	blurred := convolveRGB(img, &gaussianKernel)
	out := cloneRGBA(img)

	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			orig := float64(img.Pix[i+c])
			out.Pix[i+c] = clampU8(orig + amount*(orig-float64(blurred.Pix[i+c])))
		}
	}
	return out
}

// blendKernel mixes the original with a kernel-filtered version:
// out = origWeight*img + filteredWeight*filter(img).
func blendKernel(img *image.RGBA, kernel *[9]float64, origWeight, filteredWeight float64) *image.RGBA {
	filtered := convolveRGB(img, kernel)
	out := cloneRGBA(img)

	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := origWeight*float64(img.Pix[i+c]) + filteredWeight*float64(filtered.Pix[i+c])
			out.Pix[i+c] = clampU8(v)
		}
	}
	return out
}

func clampU8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
