package region

// Letterbox copies the region (x, y, side) of an interleaved 8-bit RGB
// source image (row-major, 3 bytes per pixel) into a modelSide x modelSide x 3
// uint8 destination, scaling to fit and padding with zero (black) bars
// rather than distorting the aspect ratio. Since Region is already square,
// this degenerates to a plain resize with no padding in the common case,
// but the pad path matters when a region is clamped against the frame edge
// into a non-square shape.
func Letterbox(src []byte, srcW, srcH int, r Region, modelSide int) []byte {
	dst := make([]byte, modelSide*modelSide*3)

	regionW, regionH := r.Side, r.Side
	if r.X+regionW > srcW {
		regionW = srcW - r.X
	}
	if r.Y+regionH > srcH {
		regionH = srcH - r.Y
	}
	if regionW <= 0 || regionH <= 0 {
		return dst
	}

	scale := float64(modelSide) / float64(r.Side)
	scaledW := int(float64(regionW) * scale)
	scaledH := int(float64(regionH) * scale)
	if scaledW > modelSide {
		scaledW = modelSide
	}
	if scaledH > modelSide {
		scaledH = modelSide
	}

	padX := (modelSide - scaledW) / 2
	padY := (modelSide - scaledH) / 2

	for dy := 0; dy < scaledH; dy++ {
		sy := r.Y + dy*regionH/scaledH
		if sy >= srcH {
			sy = srcH - 1
		}
		for dx := 0; dx < scaledW; dx++ {
			sx := r.X + dx*regionW/scaledW
			if sx >= srcW {
				sx = srcW - 1
			}
			srcIdx := (sy*srcW + sx) * 3
			dstIdx := ((dy+padY)*modelSide + (dx + padX)) * 3
			dst[dstIdx] = src[srcIdx]
			dst[dstIdx+1] = src[srcIdx+1]
			dst[dstIdx+2] = src[srcIdx+2]
		}
	}

	return dst
}
