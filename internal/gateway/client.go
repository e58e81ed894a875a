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

// Package gateway is the REST client for the WhatsApp gateway (Wuzapi).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wazwoot/bridge/internal/models"
	"github.com/wazwoot/bridge/internal/restclient"
)

// SeenMarker pre-seeds the dedup guard with IDs of messages the relay sent,
// so the gateway's webhook echo of them is not relayed back to the inbox.
type SeenMarker interface {
	MarkSeen(ctx context.Context, id string)
}

// sendResponse is the gateway's reply to every chat/send call.
type sendResponse struct {
	Code    int  `json:"code"`
	Success bool `json:"success"`
	Data    struct {
		Details   string `json:"Details"`
		ID        string `json:"Id"`
		Timestamp any    `json:"Timestamp"`
	} `json:"data"`
}

// Client sends messages through a tenant's gateway instance.
type Client struct {
	rest *restclient.Client
	seen SeenMarker
}

// NewClient creates a gateway client. seen may be nil.
func NewClient(httpClient *http.Client, seen SeenMarker) *Client {
	return &Client{
		rest: restclient.New(httpClient, "wuzapi", "Token"),
		seen: seen,
	}
}

// SendText sends a plain text message and returns the gateway message ID.
func (c *Client) SendText(ctx context.Context, integ models.Integration, phone, body string) (string, error) {
	return c.send(ctx, integ, "text", map[string]any{
		"Phone": phone,
		"Body":  body,
	})
}

// SendImage sends an image given as a data URL, with an optional caption.
func (c *Client) SendImage(ctx context.Context, integ models.Integration, phone, dataURL, caption string) (string, error) {
	return c.send(ctx, integ, "image", map[string]any{
		"Phone":   phone,
		"Image":   dataURL,
		"Caption": caption,
	})
}

// SendVideo sends a video given as a data URL, with an optional caption.
func (c *Client) SendVideo(ctx context.Context, integ models.Integration, phone, dataURL, caption string) (string, error) {
	return c.send(ctx, integ, "video", map[string]any{
		"Phone":   phone,
		"Video":   dataURL,
		"Caption": caption,
	})
}

// SendAudio sends a voice message given as a data URL. The gateway takes no
// caption for audio.
func (c *Client) SendAudio(ctx context.Context, integ models.Integration, phone, dataURL string) (string, error) {
	return c.send(ctx, integ, "audio", map[string]any{
		"Phone": phone,
		"Audio": dataURL,
	})
}

// SendDocument sends a file. dataURL must declare application/octet-stream;
// the gateway rejects any other type on this endpoint.
func (c *Client) SendDocument(ctx context.Context, integ models.Integration, phone, dataURL, fileName string) (string, error) {
	return c.send(ctx, integ, "document", map[string]any{
		"Phone":    phone,
		"Document": dataURL,
		"FileName": fileName,
	})
}

func (c *Client) send(ctx context.Context, integ models.Integration, kind string, body map[string]any) (string, error) {
	url := strings.TrimRight(integ.GatewayURL, "/") + "/chat/send/" + kind

	var resp sendResponse
	if err := c.rest.DoJSON(ctx, http.MethodPost, url, integ.GatewayToken, body, &resp); err != nil {
		return "", fmt.Errorf("send %s: %w", kind, err)
	}
	// Some gateway builds answer 200 with success=false.
	if !resp.Success && resp.Code != 0 && resp.Code != http.StatusOK {
		return "", fmt.Errorf("send %s: %w", kind, &restclient.UpstreamError{
			Service: c.rest.Service(),
			Method:  http.MethodPost,
			URL:     "/chat/send/" + kind,
			Status:  resp.Code,
			Body:    resp.Data.Details,
		})
	}

	id := resp.Data.ID
	if id != "" && c.seen != nil {
		c.seen.MarkSeen(ctx, id)
	}

	slog.Debug("gateway message sent",
		"tenant", integ.TenantKey,
		"kind", kind,
		"message_id", id,
	)
	return id, nil
}
