// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package media fetches attachments referenced by relay events and prepares
// them for the destination platform.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/wazwoot/bridge/internal/models"
)

// Media categories.
const (
	KindImage    = "image"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
	KindSticker  = "sticker"
)

// OctetStream is the fallback MIME type, and the type the gateway requires
// for every document regardless of content.
const OctetStream = "application/octet-stream"

// DefaultMaxBytes caps a single download.
const DefaultMaxBytes int64 = 64 << 20

// ErrTooLarge is returned when an asset exceeds the size cap.
var ErrTooLarge = errors.New("media exceeds size limit")

// Asset is a fetched attachment.
type Asset struct {
	Data     []byte
	MIME     string
	FileName string
}

// Kind returns the asset's media category.
func (a *Asset) Kind() string {
	return Category(a.MIME)
}

// Timeouts holds per-category download budgets.
type Timeouts struct {
	Inbound  time.Duration
	Image    time.Duration
	Document time.Duration
	Audio    time.Duration
	Video    time.Duration
}

// DefaultTimeouts returns the standard budgets: the synchronous inbound path
// gets 30s, outbound video and audio get the most.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Inbound:  30 * time.Second,
		Image:    30 * time.Second,
		Document: 60 * time.Second,
		Audio:    120 * time.Second,
		Video:    120 * time.Second,
	}
}

// For returns the outbound budget for a media category.
func (t Timeouts) For(kind string) time.Duration {
	switch kind {
	case KindImage:
		return t.Image
	case KindAudio:
		return t.Audio
	case KindVideo:
		return t.Video
	default:
		return t.Document
	}
}

// Fetcher downloads attachments.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetcher creates a fetcher. maxBytes <= 0 uses DefaultMaxBytes.
func NewFetcher(httpClient *http.Client, maxBytes int64) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{httpClient: httpClient, maxBytes: maxBytes}
}

// Fetch resolves ref into bytes and a concrete MIME type. Inline data is
// decoded locally; remote sources are downloaded within timeout.
func (f *Fetcher) Fetch(ctx context.Context, ref models.AttachmentRef, timeout time.Duration) (*Asset, error) {
	var (
		data     []byte
		declared = ref.DeclaredMIME
		err      error
	)

	switch {
	case ref.InlineData != "":
		var inlineMIME string
		data, inlineMIME, err = decodeInline(ref.InlineData)
		if err != nil {
			return nil, err
		}
		if declared == "" {
			declared = inlineMIME
		}
	case ref.SourceURL != "":
		data, err = f.download(ctx, ref.SourceURL, timeout)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("attachment has neither url nor inline data")
	}

	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, humanize.IBytes(uint64(len(data))))
	}

	asset := &Asset{
		Data:     data,
		MIME:     ResolveMIME(declared, ref.FileName, data),
		FileName: ref.FileName,
	}
	slog.Debug("media fetched",
		"file_name", asset.FileName,
		"mime", asset.MIME,
		"size", humanize.IBytes(uint64(len(data))),
	)
	return asset, nil
}

func (f *Fetcher) download(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("download media: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, humanize.IBytes(uint64(resp.ContentLength)))
	}

	// Read one byte past the cap so oversize bodies are detected.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	return data, nil
}

// decodeInline accepts a data: URL or bare base64.
func decodeInline(s string) ([]byte, string, error) {
	var mime string
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data url")
		}
		meta := s[len("data:"):comma]
		mime = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, "", fmt.Errorf("decode inline media: %w", err)
		}
	}
	return data, mime, nil
}

// Category maps a MIME type or bare category to image, video, audio or
// document.
func Category(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case mt == KindImage || strings.HasPrefix(mt, "image/") || mt == KindSticker:
		return KindImage
	case mt == KindVideo || strings.HasPrefix(mt, "video/"):
		return KindVideo
	case mt == KindAudio || strings.HasPrefix(mt, "audio/"):
		return KindAudio
	default:
		return KindDocument
	}
}

// ResolveMIME returns a concrete MIME type. A concrete declared type wins; a
// bare category is refined by file extension; anything else is sniffed.
func ResolveMIME(declared, fileName string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	ext := strings.ToLower(filepath.Ext(fileName))

	switch declared {
	case KindImage, KindSticker:
		switch ext {
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".gif":
			return "image/gif"
		case ".webp":
			return "image/webp"
		}
		return "image/png"
	case KindVideo:
		switch ext {
		case ".mov":
			return "video/quicktime"
		case ".avi":
			return "video/x-msvideo"
		}
		return "video/mp4"
	case KindAudio:
		switch ext {
		case ".mp3":
			return "audio/mpeg"
		case ".wav":
			return "audio/wav"
		}
		return "audio/ogg"
	}

	if strings.Contains(declared, "/") && declared != OctetStream {
		return declared
	}
	if len(data) > 0 {
		if detected := mimetype.Detect(data); detected != nil && !detected.Is(OctetStream) {
			mt := detected.String()
			if i := strings.IndexByte(mt, ';'); i >= 0 {
				mt = mt[:i]
			}
			return mt
		}
	}
	return OctetStream
}

// DataURL encodes data as a self-describing base64 string.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Placeholder returns the label shown for media the relay could not carry.
func Placeholder(kind string) string {
	switch kind {
	case KindImage:
		return "📷 Image"
	case KindVideo:
		return "🎥 Video"
	case KindAudio:
		return "🎵 Audio"
	case KindDocument:
		return "📄 Document"
	case KindSticker:
		return "🎨 Sticker"
	default:
		return "📎 Attachment"
	}
}

// FallbackText is what gets relayed when an attachment cannot be fetched:
// a placeholder naming the file, followed by the caption or else the text.
func FallbackText(text, caption, fileName string) string {
	if fileName == "" {
		fileName = "attachment"
	}
	marker := "📎 [media unavailable: " + fileName + "]"
	if body := strings.TrimSpace(caption); body != "" {
		return marker + " " + body
	}
	if body := strings.TrimSpace(text); body != "" {
		return marker + " " + body
	}
	return marker
}

// FriendlyName names an inbound attachment for the inbox after its MIME type.
// Unknown types keep the original name.
func FriendlyName(mimeType, original string) string {
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		ext := strings.TrimPrefix(mt, "image/")
		if ext == "jpeg" {
			ext = "jpg"
		}
		return "image." + ext
	case strings.HasPrefix(mt, "audio/"):
		return "audio.ogg"
	case strings.HasPrefix(mt, "video/"):
		return "video.mp4"
	case mt == "application/pdf":
		return "document.pdf"
	case strings.Contains(mt, "sheet") || strings.Contains(mt, "excel"):
		return "spreadsheet.xlsx"
	case strings.Contains(mt, "word") || strings.Contains(mt, "document"):
		return "document.docx"
	case original != "":
		return original
	default:
		return "file"
	}
}
