package enhance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrightnessLUTClamps(t *testing.T) {
	lut := brightnessLUT(30)
	assert.Equal(t, uint8(130), lut[100])
	assert.Equal(t, uint8(255), lut[250])

	lut = brightnessLUT(-30)
	assert.Equal(t, uint8(0), lut[10])
}

func TestGammaLUTBrightensMidtones(t *testing.T) {
	lut := gammaLUT(0.8)
	assert.Greater(t, lut[128], uint8(128))
	assert.Equal(t, uint8(0), lut[0])
	assert.Equal(t, uint8(255), lut[255])
}

func TestContrastLUTSpreadsAroundCenter(t *testing.T) {
	lut := contrastLUT(1.5, 0)
	assert.Equal(t, uint8(128), lut[128])
	assert.Greater(t, lut[200], uint8(200))
	assert.Less(t, lut[50], uint8(50))
}

func TestContrastLUTBias(t *testing.T) {
	lut := contrastLUT(1.0, 5)
	assert.Equal(t, uint8(105), lut[100])
}

func TestCLAHERaisesLowContrast(t *testing.T) {
	// Narrow brightness band: CLAHE should spread it out.
	img := noisyImage(64, 64, 120, 8, 20)
	_, stdevBefore := lumaStats(img)

	clahe(img, 2.0, 8)
	_, stdevAfter := lumaStats(img)

	assert.Greater(t, stdevAfter, stdevBefore)
}

func TestCLAHESkipsTinyImages(t *testing.T) {
	img := solidImage(8, 8, 100)
	before := make([]uint8, len(img.Pix))
	copy(before, img.Pix)

	clahe(img, 2.0, 8)
	assert.Equal(t, before, img.Pix)
}

func TestEqualizeLumaSpreadsHistogram(t *testing.T) {
	img := noisyImage(64, 64, 100, 10, 21)
	_, stdevBefore := lumaStats(img)

	equalizeLuma(img)
	_, stdevAfter := lumaStats(img)

	assert.Greater(t, stdevAfter, stdevBefore)
}

func TestBilateralReducesNoise(t *testing.T) {
	img := noisyImage(64, 64, 128, 25, 22)
	_, stdevBefore := lumaStats(img)

	out := bilateral(img, 2, 2.0, 50)
	_, stdevAfter := lumaStats(out)

	assert.Less(t, stdevAfter, stdevBefore)
	assert.Equal(t, img.Bounds(), out.Bounds())
}

func TestBilateralTinyRadiusFallsBack(t *testing.T) {
	img := solidImage(4, 4, 128)
	out := bilateral(img, 2, 2.0, 50)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestUnsharpSharpensEdges(t *testing.T) {
	img := splitImage(32, 32)
	out := unsharpMask(img, 1.0)

	// Sharpening must overshoot on either side of the step edge, which
	// raises the overall spread.
	_, before := lumaStats(img)
	_, after := lumaStats(out)
	assert.GreaterOrEqual(t, after, before)
}

func TestConvolveIdentityKernel(t *testing.T) {
	identity := [9]float64{0, 0, 0, 0, 1, 0, 0, 0, 0}
	img := noisyImage(16, 16, 128, 30, 23)
	out := convolveRGB(img, &identity)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestBlendKernelFullOriginal(t *testing.T) {
	img := noisyImage(16, 16, 128, 30, 24)
	out := blendKernel(img, &edgeKernel, 1.0, 0.0)
	assert.Equal(t, img.Pix, out.Pix)
}

func TestApplyLumaRatioHandlesBlack(t *testing.T) {
	img := solidImage(4, 4, 0)
	oldLuma := lumaPlane(img)
	newLuma := make([]uint8, len(oldLuma))
	for i := range newLuma {
		newLuma[i] = 40
	}

	applyLumaRatio(img, oldLuma, newLuma)
	assert.Equal(t, uint8(40), img.Pix[0])
}
