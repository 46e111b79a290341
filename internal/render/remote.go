package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// RemoteRenderer asks a text-to-image HTTP API for a design.
//
// The endpoint receives {"prompt": ..., "text": ...} and may answer with an
// image body, JSON carrying "url", "image_base64" or "images":[{"url"}], or
// 204 when it declines.
type RemoteRenderer struct {
	Endpoint string
	Token    string
	client   *http.Client
}

func NewRemoteRenderer(endpoint, token string, timeout time.Duration) *RemoteRenderer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteRenderer{Endpoint: endpoint, Token: token, client: &http.Client{Timeout: timeout}}
}

type remoteRequest struct {
	Prompt string `json:"prompt"`
	Text   string `json:"text"`
}

type remoteResponse struct {
	URL         string `json:"url"`
	ImageBase64 string `json:"image_base64"`
	Images      []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (r *RemoteRenderer) Render(ctx context.Context, text string) (Artifact, error) {
	body, err := json.Marshal(remoteRequest{Prompt: Prompt(text), Text: text})
	if err != nil {
		return Artifact{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Artifact{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*, application/json")
	req.Header.Set("User-Agent", userAgent)
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Artifact{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return Artifact{}, ErrNoImage
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Artifact{}, statusError(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "image/") {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
		if err != nil {
			return Artifact{}, err
		}
		if len(data) == 0 {
			return Artifact{}, ErrNoImage
		}
		return Artifact{Data: data, Name: "design" + extFor(mediaType)}, nil
	}

	var out remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 30<<20)).Decode(&out); err != nil {
		return Artifact{}, fmt.Errorf("decode render response: %w", err)
	}
	switch {
	case out.ImageBase64 != "":
		data, err := base64.StdEncoding.DecodeString(out.ImageBase64)
		if err != nil {
			return Artifact{}, fmt.Errorf("decode image_base64: %w", err)
		}
		return Artifact{Data: data, Name: "design.png"}, nil
	case out.URL != "":
		return Artifact{URL: out.URL, Name: "design.jpg"}, nil
	case len(out.Images) > 0 && out.Images[0].URL != "":
		return Artifact{URL: out.Images[0].URL, Name: "design.jpg"}, nil
	}
	return Artifact{}, ErrNoImage
}

func extFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".png"
}

// Prompt builds the text-to-image prompt, choosing a style from the shape of
// the text.
func Prompt(text string) string {
	words := len(strings.Fields(text))
	switch {
	case words > 6 && (strings.Contains(text, ".") || strings.Contains(text, "،")):
		return fmt.Sprintf("poster design, arabic calligraphy style, text: '%s', warm colors, golden patterns, cinematic lighting, highly detailed, islamic art background", text)
	case words <= 6:
		return fmt.Sprintf("minimalist poster, white background, soft grey gradients, text: '%s', modern arabic typography, clean, high contrast", text)
	}
	return fmt.Sprintf("artistic poster, mixed media, arabic aesthetic, text: '%s', elegant, social media post style, high quality", text)
}
