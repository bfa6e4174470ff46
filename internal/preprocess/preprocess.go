// Package preprocess turns uploaded image bytes into the normalized tensor
// the classifier expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultSize is the square input resolution the model was trained on.
const DefaultSize = 299

// ErrDecode is returned when the bytes are not a supported image.
var ErrDecode = errors.New("image decode failed")

// Layout is the memory order of the tensor handed to the model.
type Layout string

const (
	// NHWC is batch, height, width, channel (Keras default).
	NHWC Layout = "nhwc"
	// NCHW is batch, channel, height, width.
	NCHW Layout = "nchw"
)

// Options controls the target shape.
type Options struct {
	Size   int
	Layout Layout
}

// DefaultOptions matches the model's training configuration.
func DefaultOptions() Options {
	return Options{Size: DefaultSize, Layout: NHWC}
}

func (o Options) normalize() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Layout != NCHW {
		o.Layout = NHWC
	}
	return o
}

// Tensor is a flat float32 buffer plus its shape. The leading dimension is
// always the batch size of 1.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Len returns the number of elements the shape describes.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Decode parses raw bytes as JPEG, PNG, GIF, BMP, TIFF or WebP.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Image decodes data and converts it into a model input tensor.
func Image(data []byte, opts Options) (*Tensor, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return FromImage(img, opts), nil
}

// FromImage converts an already decoded image into a model input tensor.
func FromImage(img image.Image, opts Options) *Tensor {
	opts = opts.normalize()
	size := uint(opts.Size)

	resized := resize.Resize(size, size, toRGB(img), resize.Bicubic)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			r := float32(c.R) / 255.0
			g := float32(c.G) / 255.0
			b := float32(c.B) / 255.0

			pixel := y*width + x
			if opts.Layout == NCHW {
				data[pixel] = r
				data[plane+pixel] = g
				data[2*plane+pixel] = b
				continue
			}
			data[3*pixel] = r
			data[3*pixel+1] = g
			data[3*pixel+2] = b
		}
	}

	shape := []int64{1, int64(height), int64(width), 3}
	if opts.Layout == NCHW {
		shape = []int64{1, 3, int64(height), int64(width)}
	}
	return &Tensor{Data: data, Shape: shape}
}

// toRGB drops alpha and expands grayscale so every pixel carries opaque
// R, G and B channels. Color values are kept un-premultiplied.
func toRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return out
}
