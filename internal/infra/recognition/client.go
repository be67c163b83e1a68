// Package recognition provides the HTTP client for the face-encoding and
// OCR sidecar. The algorithms themselves live in the sidecar; this package
// only moves bytes and decodes results.
package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/photofind/internal/domain/search"
)

// Config configures the sidecar client.
type Config struct {
	// BaseURL is the sidecar's address, e.g. "http://localhost:5001".
	BaseURL string

	// HTTPClient defaults to a client with a 60s timeout; encoding a large
	// image is slow.
	HTTPClient *http.Client

	Tracer trace.Tracer
}

// Client calls the recognition sidecar. It implements both
// search.FaceEncoder and search.TextRecognizer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

var (
	_ search.FaceEncoder    = (*Client)(nil)
	_ search.TextRecognizer = (*Client)(nil)
)

// New builds a sidecar client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		tracer:     cfg.Tracer,
	}
}

type encodingsResponse struct {
	Encodings []search.FaceEncoding `json:"encodings"`
}

type ocrResponse struct {
	Text string `json:"text"`
}

// Encode returns the face descriptors found in the image, zero or more.
func (c *Client) Encode(ctx context.Context, image []byte) ([]search.FaceEncoding, error) {
	ctx, span := c.tracer.Start(ctx, "recognition_client.encode",
		trace.WithAttributes(attribute.Int("image_bytes", len(image))))
	defer span.End()

	var resp encodingsResponse
	if err := c.post(ctx, "/v1/encodings", image, &resp); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("face_count", len(resp.Encodings)))
	return resp.Encodings, nil
}

// Recognize returns the text found in the image, possibly empty. The
// sidecar filters low-confidence fragments before responding.
func (c *Client) Recognize(ctx context.Context, image []byte) (string, error) {
	ctx, span := c.tracer.Start(ctx, "recognition_client.recognize",
		trace.WithAttributes(attribute.Int("image_bytes", len(image))))
	defer span.End()

	var resp ocrResponse
	if err := c.post(ctx, "/v1/ocr", image, &resp); err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.Int("text_length", len(resp.Text)))
	return resp.Text, nil
}

func (c *Client) post(ctx context.Context, path string, image []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("creating recognition request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling recognition sidecar: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recognition sidecar returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding recognition response: %w", err)
	}
	return nil
}
