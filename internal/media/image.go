package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrInvalidImage  = errors.New("invalid image payload")
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

// allowedTypes maps accepted MIME types to the extension used in blob keys.
var allowedTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Image is a decoded inline image.
type Image struct {
	Data        []byte
	ContentType string
	Ext         string
}

// DecodeDataURI decodes a "data:image/<type>;base64,<payload>" string. The
// declared type and the sniffed content must both be an accepted image type
// and the decoded size must not exceed maxSize.
func DecodeDataURI(uri string, maxSize int64) (*Image, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return nil, fmt.Errorf("%w: not a data URI", ErrInvalidImage)
	}

	mediaType, encoding, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";")
	if encoding != "base64" {
		return nil, fmt.Errorf("%w: encoding %q", ErrInvalidImage, encoding)
	}
	mediaType = strings.ToLower(mediaType)
	if mediaType == "image/jpg" {
		mediaType = "image/jpeg"
	}
	if _, ok := allowedTypes[mediaType]; !ok {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidImage, mediaType)
	}

	// Reject before allocating when the encoded length alone is too big.
	// DecodedLen over-estimates by at most two bytes of padding.
	if int64(base64.StdEncoding.DecodedLen(len(payload)))-2 > maxSize {
		return nil, ErrImageTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if int64(len(data)) > maxSize {
		return nil, ErrImageTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	detected := mimetype.Detect(data).String()
	ext, ok := allowedTypes[detected]
	if !ok {
		return nil, fmt.Errorf("%w: content is %s", ErrInvalidImage, detected)
	}

	return &Image{Data: data, ContentType: detected, Ext: ext}, nil
}
