package transform

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

// topRedBottomBlue is a 4x2 image: red on the top row, blue on the bottom.
func topRedBottomBlue() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for x := 0; x < 4; x++ {
		img.Set(x, 0, red)
		img.Set(x, 1, blue)
	}
	return img
}

func encode(t *testing.T, img image.Image, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

func TestRotate180PNG(t *testing.T) {
	out, err := NewRotate180().Apply(encode(t, topRedBottomBlue(), imaging.PNG), "image/png")
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())
	assert.Equal(t, blue, color.NRGBAModel.Convert(img.At(0, 0)))
	assert.Equal(t, red, color.NRGBAModel.Convert(img.At(3, 1)))
}

func TestRotate180IsDeterministic(t *testing.T) {
	in := encode(t, topRedBottomBlue(), imaging.PNG)
	r := NewRotate180()

	a, err := r.Apply(in, "image/png")
	require.NoError(t, err)
	b, err := r.Apply(in, "image/png")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRotate180TwiceRestores(t *testing.T) {
	in := encode(t, topRedBottomBlue(), imaging.PNG)
	r := NewRotate180()

	once, err := r.Apply(in, "image/png")
	require.NoError(t, err)
	twice, err := r.Apply(once, "image/png")
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(twice))
	require.NoError(t, err)
	assert.Equal(t, red, color.NRGBAModel.Convert(img.At(0, 0)))
	assert.Equal(t, blue, color.NRGBAModel.Convert(img.At(0, 1)))
}

func TestRotate180KeepsFormat(t *testing.T) {
	for _, tt := range []struct {
		contentType string
		format      imaging.Format
	}{
		{"image/jpeg", imaging.JPEG},
		{"image/gif", imaging.GIF},
	} {
		t.Run(tt.contentType, func(t *testing.T) {
			out, err := NewRotate180().Apply(encode(t, topRedBottomBlue(), tt.format), tt.contentType)
			require.NoError(t, err)

			_, name, err := image.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(tt.format.String()), name)
		})
	}
}

func TestRotate180WebP(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, topRedBottomBlue(), &webp.Options{Lossless: true}))

	out, err := NewRotate180().Apply(buf.Bytes(), "image/webp")
	require.NoError(t, err)

	img, err := webp.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, blue, color.NRGBAModel.Convert(img.At(0, 0)))
}

func TestRotate180Errors(t *testing.T) {
	_, err := NewRotate180().Apply([]byte("BM...."), "image/bmp")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = NewRotate180().Apply([]byte{0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0, 0, 0}, "image/jpeg")
	assert.Error(t, err)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("image/jpeg"))
	assert.True(t, Supported("image/webp"))
	assert.False(t, Supported("text/plain"))
}
