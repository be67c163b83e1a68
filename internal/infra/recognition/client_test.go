package recognition

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/photofind/internal/domain/search"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Tracer:     noop.NewTracerProvider().Tracer("test"),
	})
}

func TestEncode(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/encodings", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte("image-bytes"), body)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"encodings": [[0.1, 0.2], [0.3, 0.4]]}`)
	})

	encodings, err := client.Encode(context.Background(), []byte("image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []search.FaceEncoding{{0.1, 0.2}, {0.3, 0.4}}, encodings)
}

func TestEncodeNoFaces(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"encodings": []}`)
	})

	encodings, err := client.Encode(context.Background(), []byte("faceless"))
	require.NoError(t, err)
	assert.Empty(t, encodings)
}

func TestRecognize(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ocr", r.URL.Path)
		io.WriteString(w, `{"text": "bib 42"}`)
	})

	text, err := client.Recognize(context.Background(), []byte("image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "bib 42", text)
}

func TestSidecarErrorStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.Encode(context.Background(), []byte("image-bytes"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
