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

package normalize

import (
	"net/url"
	"path"
	"strings"

	"github.com/wazwoot/bridge/internal/media"
)

// genericFileName is what the inbox reports when it has no real name.
const genericFileName = "file"

// InferFileName returns a usable attachment name: the given one if it is
// meaningful, else the last segment of sourceURL, else a generic name for
// the MIME category.
func InferFileName(name, sourceURL, mimeType string) string {
	name = strings.TrimSpace(name)
	if usableName(name) {
		return name
	}
	if fromURL := nameFromURL(sourceURL); usableName(fromURL) {
		return fromURL
	}
	return GenericFileName(mimeType)
}

// GenericFileName maps a MIME type (or bare category) to a placeholder name.
func GenericFileName(mimeType string) string {
	mt := strings.ToLower(mimeType)
	switch media.Category(mt) {
	case media.KindImage:
		return "image.jpg"
	case media.KindAudio:
		return "audio.ogg"
	case media.KindVideo:
		return "video.mp4"
	}
	switch {
	case strings.Contains(mt, "sheet") || strings.Contains(mt, "excel"):
		return "spreadsheet.xlsx"
	case strings.Contains(mt, "word"):
		return "document.docx"
	default:
		return "document.pdf"
	}
}

func usableName(name string) bool {
	return name != "" && name != genericFileName && name != "." && name != "/"
}

// nameFromURL returns the percent-decoded last path segment of raw.
func nameFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	// u.Path is already decoded; the raw form keeps encoded slashes intact.
	seg := path.Base(u.EscapedPath())
	decoded, err := url.PathUnescape(seg)
	if err != nil {
		return seg
	}
	return decoded
}
