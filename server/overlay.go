package server

import (
	"fmt"
	"image"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/bmharper/cimg/v2"
	"github.com/fogleman/gg"
)

// renderPreviewJPEG compresses a frame to JPEG, optionally drawing
// detection boxes over it first.
func renderPreviewJPEG(frame *defs.Frame, detections []defs.Detection, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = 85
	}
	img := frame.Image
	if len(detections) == 0 {
		return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
	}

	dc := gg.NewContextForRGBA(rgbToRGBA(img))
	dc.SetLineWidth(2)
	for _, det := range detections {
		dc.SetRGB(0, 1, 0)
		dc.DrawRectangle(float64(det.Box.X), float64(det.Box.Y), float64(det.Box.Width), float64(det.Box.Height))
		dc.Stroke()
		label := fmt.Sprintf("%v %.0f%%", det.Label, det.Confidence*100)
		dc.DrawString(label, float64(det.Box.X), float64(det.Box.Y)-3)
	}

	flat := rgbaToRGB(dc.Image().(*image.RGBA))
	return cimg.Compress(flat, cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}

func rgbToRGBA(img *cimg.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	nchan := img.NChan()
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < img.Width; x++ {
			out[x*4] = src[x*nchan]
			out[x*4+1] = src[x*nchan+1]
			out[x*4+2] = src[x*nchan+2]
			out[x*4+3] = 255
		}
	}
	return dst
}

func rgbaToRGB(src *image.RGBA) *cimg.Image {
	width := src.Rect.Dx()
	height := src.Rect.Dy()
	pixels := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		in := src.Pix[y*src.Stride:]
		out := pixels[y*width*3:]
		for x := 0; x < width; x++ {
			out[x*3] = in[x*4]
			out[x*3+1] = in[x*4+1]
			out[x*3+2] = in[x*4+2]
		}
	}
	return cimg.WrapImage(width, height, cimg.PixelFormatRGB, pixels)
}
