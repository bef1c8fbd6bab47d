// Package transform holds the image operations applied by workers.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

type Transformer interface {
	Apply(data []byte, contentType string) ([]byte, error)
}

var formats = map[string]imaging.Format{
	"image/jpeg": imaging.JPEG,
	"image/png":  imaging.PNG,
	"image/gif":  imaging.GIF,
}

const webpType = "image/webp"

// Supported reports whether Apply can handle images of the given type.
func Supported(contentType string) bool {
	_, ok := formats[contentType]
	return ok || contentType == webpType
}

// Rotate180 turns the image upside down and re-encodes it in its original
// format.
type Rotate180 struct {
	JPEGQuality int
}

func NewRotate180() *Rotate180 {
	return &Rotate180{JPEGQuality: 90}
}

func (r *Rotate180) Apply(data []byte, contentType string) ([]byte, error) {
	if !Supported(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}

	img, err := decode(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", contentType, err)
	}

	rotated := imaging.Rotate180(img)

	var buf bytes.Buffer
	if contentType == webpType {
		err = webp.Encode(&buf, rotated, &webp.Options{Lossless: true})
	} else {
		err = imaging.Encode(&buf, rotated, formats[contentType], imaging.JPEGQuality(r.JPEGQuality))
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", contentType, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, contentType string) (image.Image, error) {
	if contentType == webpType {
		return webp.Decode(bytes.NewReader(data))
	}
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}
