// Package imaging turns transport-encoded plating images into model input tensors.
package imaging

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// MaxPixels is the largest decoded image area accepted.
const MaxPixels = 64 << 20

// DecodePayload decodes an image payload of unknown dynamic type.
// Strings, byte slices and JSON string literals are accepted; anything else
// fails with DecodeReasonWrongType.
func DecodePayload(payload any) (*image.RGBA, error) {
	switch v := payload.(type) {
	case nil:
		return nil, apperrors.NewDecodeError(apperrors.DecodeReasonEmptyPayload, "image payload is nil", nil)
	case string:
		return Decode([]byte(v))
	case []byte:
		return Decode(v)
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, apperrors.NewDecodeError(apperrors.DecodeReasonWrongType, "image payload is not a JSON string", err)
		}
		return Decode([]byte(s))
	default:
		return nil, apperrors.NewDecodeError(apperrors.DecodeReasonWrongType, "image payload is not a byte sequence", nil)
	}
}

// Decode base64-decodes encoded and parses the image container.
// The result is always an RGBA image whose bounds start at the origin.
func Decode(encoded []byte) (*image.RGBA, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.NewDecodeError(apperrors.DecodeReasonUnsupportedFormat, "payload is not a supported image container", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, apperrors.NewDecodeError(apperrors.DecodeReasonUnsupportedFormat, "image dimensions out of range", nil)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.NewDecodeError(apperrors.DecodeReasonUnsupportedFormat, "failed to decode "+format+" image", err)
	}

	return toRGBA(img), nil
}

func decodeBase64(encoded []byte) ([]byte, error) {
	s := strings.TrimSpace(string(encoded))
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, apperrors.NewDecodeError(apperrors.DecodeReasonEmptyPayload, "image payload is empty", nil)
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// some producers strip padding
		var rawErr error
		raw, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, apperrors.NewDecodeError(apperrors.DecodeReasonInvalidEncoding, "payload is not valid base64", err)
		}
	}
	if len(raw) == 0 {
		return nil, apperrors.NewDecodeError(apperrors.DecodeReasonEmptyPayload, "decoded image is empty", nil)
	}
	return raw, nil
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
