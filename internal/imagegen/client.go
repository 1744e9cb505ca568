// Package imagegen is a small client for the OpenAI Images API: text-to-image
// generation and multi-image edits. Images come back as PNG bytes.
//
// The client does not retry. An upstream rejection is returned as *APIError
// carrying the provider's own message so callers can surface it verbatim.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/owencairns/ad-generator-sub000/internal/observability"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-image-1"
)

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string        // default https://api.openai.com
	Model   string        // default gpt-image-1
	Quality string        // optional: low|medium|high|auto
	Timeout time.Duration // whole-request timeout; 0 means the http.Client default
	HTTP    *http.Client  // optional; overrides Timeout
}

// Client calls the Images API.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	quality string
	http    *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("imagegen: missing API key")
	}
	c := &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(firstNonEmpty(cfg.BaseURL, defaultBaseURL), "/"),
		model:   firstNonEmpty(cfg.Model, defaultModel),
		quality: cfg.Quality,
		http:    cfg.HTTP,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Input is one source image for an edit.
type Input struct {
	Data        []byte
	ContentType string
}

// GenerateRequest asks for a new image from a prompt.
type GenerateRequest struct {
	Prompt string
	Size   string // e.g. 1024x1024, 1536x1024, auto
}

// EditRequest asks for a new image derived from one or more inputs.
type EditRequest struct {
	Prompt string
	Images []Input
	Size   string
}

// Result is a produced image.
type Result struct {
	Data          []byte
	ContentType   string
	RevisedPrompt string
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("openai http %d", e.StatusCode)
}

// SizeForAspectRatio maps an ad aspect ratio to a supported output size.
func SizeForAspectRatio(ar string) string {
	switch strings.TrimSpace(ar) {
	case "1:1", "square":
		return "1024x1024"
	case "16:9", "3:2", "4:3", "landscape":
		return "1536x1024"
	case "9:16", "2:3", "3:4", "4:5", "portrait":
		return "1024x1536"
	}
	return "auto"
}

type generationBody struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type imagesResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Generate calls POST /v1/images/generations.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("imagegen: prompt required")
	}
	body, err := json.Marshal(generationBody{
		Model:   c.model,
		Prompt:  req.Prompt,
		N:       1,
		Size:    req.Size,
		Quality: c.quality,
	})
	if err != nil {
		return Result{}, err
	}
	return c.do(ctx, "generate", "/v1/images/generations", "application/json", body)
}

// Edit calls POST /v1/images/edits with every input attached as image[].
func (c *Client) Edit(ctx context.Context, req EditRequest) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("imagegen: prompt required")
	}
	if len(req.Images) == 0 {
		return Result{}, errors.New("imagegen: at least one input image required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{{"model", c.model}, {"prompt", req.Prompt}, {"n", "1"}}
	if req.Size != "" {
		fields = append(fields, [2]string{"size", req.Size})
	}
	if c.quality != "" {
		fields = append(fields, [2]string{"quality", c.quality})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return Result{}, err
		}
	}
	for i, img := range req.Images {
		ct := img.ContentType
		if ct == "" {
			ct = http.DetectContentType(img.Data)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image[]"; filename="image-%d%s"`, i, extFor(ct)))
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return Result{}, err
		}
		if _, err := part.Write(img.Data); err != nil {
			return Result{}, err
		}
	}
	if err := w.Close(); err != nil {
		return Result{}, err
	}
	return c.do(ctx, "edit", "/v1/images/edits", w.FormDataContentType(), buf.Bytes())
}

func (c *Client) do(ctx context.Context, op, path, contentType string, body []byte) (Result, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		observability.ObserveUpstream("openai", op, "error", time.Since(start))
		return Result{}, fmt.Errorf("openai %s: %w", op, err)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	observability.ObserveUpstream("openai", op, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return Result{}, fmt.Errorf("openai %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, parseAPIError(resp.StatusCode, raw)
	}

	var out imagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("openai %s: decode: %w", op, err)
	}
	if len(out.Data) == 0 {
		return Result{}, fmt.Errorf("openai %s: no image returned", op)
	}
	item := out.Data[0]
	if b64 := strings.TrimSpace(item.B64JSON); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return Result{}, fmt.Errorf("openai %s: decode image: %w", op, err)
		}
		return Result{Data: data, ContentType: http.DetectContentType(data), RevisedPrompt: item.RevisedPrompt}, nil
	}
	if u := strings.TrimSpace(item.URL); u != "" {
		data, err := c.download(ctx, u)
		if err != nil {
			return Result{}, fmt.Errorf("openai %s: %w", op, err)
		}
		return Result{Data: data, ContentType: http.DetectContentType(data), RevisedPrompt: item.RevisedPrompt}, nil
	}
	return Result{}, fmt.Errorf("openai %s: image response missing b64_json and url", op)
}

// download fetches an image URL returned by older models. No Authorization
// header: those are pre-signed blob URLs.
func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download generated image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download generated image: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseAPIError(status int, raw []byte) *APIError {
	e := &APIError{StatusCode: status}
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		e.Message = env.Error.Message
		e.Type = env.Error.Type
		if env.Error.Code != nil {
			e.Code = fmt.Sprint(env.Error.Code)
		}
		return e
	}
	e.Message = strings.TrimSpace(string(raw))
	if len(e.Message) > 512 {
		e.Message = e.Message[:512]
	}
	return e
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".png"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
