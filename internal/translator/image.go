package translator

import (
	"context"
	"encoding/base64"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/httputil"
)

// MaxImageBytes is the backend's per-image limit.
const MaxImageBytes = 3_750_000

var dataURIPattern = regexp.MustCompile(`^data:image/(\w+);base64,(.+)$`)

// ImageFetcher resolves image parts given as data URIs or http(s) URLs.
type ImageFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

func NewImageFetcher(client *http.Client, logger *slog.Logger) *ImageFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageFetcher{
		client:   client,
		maxBytes: MaxImageBytes,
		logger:   logger,
	}
}

// Resolve returns false when the image cannot be used. The caller drops the
// block and keeps the rest of the message.
func (f *ImageFetcher) Resolve(ctx context.Context, url string) (converse.ImageBlock, bool) {
	switch {
	case strings.HasPrefix(url, "data:"):
		return f.decodeDataURI(url)
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return f.fetch(ctx, url)
	default:
		f.logger.Warn("unsupported image url scheme, dropping image")
		return converse.ImageBlock{}, false
	}
}

func (f *ImageFetcher) decodeDataURI(uri string) (converse.ImageBlock, bool) {
	m := dataURIPattern.FindStringSubmatch(uri)
	if m == nil {
		f.logger.Warn("malformed image data uri, dropping image")
		return converse.ImageBlock{}, false
	}

	format, ok := imageFormat(m[1])
	if !ok {
		f.logger.Warn("unsupported image format, dropping image", "format", m[1])
		return converse.ImageBlock{}, false
	}

	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		f.logger.Warn("invalid base64 image, dropping image", "error", err)
		return converse.ImageBlock{}, false
	}

	return converse.ImageBlock{Format: format, Bytes: data}, true
}

func (f *ImageFetcher) fetch(ctx context.Context, url string) (converse.ImageBlock, bool) {
	if f.client == nil {
		return converse.ImageBlock{}, false
	}

	body, contentType, err := httputil.Fetch(ctx, f.client, url, f.maxBytes)
	if err != nil {
		f.logger.Warn("image fetch failed, dropping image", "error", err)
		return converse.ImageBlock{}, false
	}

	subtype := "jpeg"
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			if _, sub, found := strings.Cut(mediaType, "/"); found {
				subtype = sub
			}
		}
	}

	format, ok := imageFormat(subtype)
	if !ok {
		f.logger.Warn("unsupported image content type, dropping image", "content_type", contentType)
		return converse.ImageBlock{}, false
	}

	return converse.ImageBlock{Format: format, Bytes: body}, true
}

func imageFormat(subtype string) (converse.ImageFormat, bool) {
	switch strings.ToLower(subtype) {
	case "png":
		return converse.ImagePNG, true
	case "jpeg", "jpg":
		return converse.ImageJPEG, true
	case "gif":
		return converse.ImageGIF, true
	case "webp":
		return converse.ImageWebP, true
	}
	return "", false
}
