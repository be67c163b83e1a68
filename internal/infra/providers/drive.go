package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/ahrav/photofind/internal/domain/search"
)

const defaultDriveBaseURL = "https://www.googleapis.com/drive/v3"

// DriveClient lists and fetches images from a Google Drive folder via the
// files API, with rate limiting and tracing.
type DriveClient struct {
	folderID    string
	baseURL     string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	rateLimiter *RateLimiter
	tracer      trace.Tracer
}

var _ search.Provider = (*DriveClient)(nil)

// NewDriveClient builds a Drive adapter for the folder identified by the
// link. The folder ID is extracted here so malformed links fail before any
// network call.
func NewDriveClient(folderLink string, cfg Config) (*DriveClient, error) {
	folderID, err := extractDriveFolderID(folderLink)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.DriveBaseURL
	if baseURL == "" {
		baseURL = defaultDriveBaseURL
	}

	// Drive's per-user quota is 12000 queries per minute; stay well under it
	// since many jobs may share one credential.
	return &DriveClient{
		folderID:    folderID,
		baseURL:     baseURL,
		httpClient:  cfg.HTTPClient,
		tokenSource: cfg.TokenSource,
		rateLimiter: NewRateLimiter(10, 5),
		tracer:      cfg.Tracer,
	}, nil
}

type driveFile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MimeType       string `json:"mimeType"`
	Size           string `json:"size"`
	ThumbnailLink  string `json:"thumbnailLink"`
	WebContentLink string `json:"webContentLink"`
}

type driveListResponse struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

// List enumerates the folder's images, following nextPageToken until the
// listing is exhausted. Items are returned in provider-native order.
func (c *DriveClient) List(ctx context.Context) ([]search.Item, error) {
	ctx, span := c.tracer.Start(ctx, "drive_client.list_folder",
		trace.WithAttributes(attribute.String("folder_id", c.folderID)))
	defer span.End()

	query := fmt.Sprintf("'%s' in parents and mimeType contains 'image/' and trashed=false", c.folderID)

	var items []search.Item
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", query)
		params.Set("fields", "nextPageToken,files(id,name,mimeType,size,thumbnailLink,webContentLink)")
		params.Set("pageSize", "1000")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page driveListResponse
		if err := c.getJSON(ctx, c.baseURL+"/files?"+params.Encode(), &page); err != nil {
			span.RecordError(err)
			return nil, err
		}

		for _, f := range page.Files {
			size, _ := strconv.ParseInt(f.Size, 10, 64)
			items = append(items, search.Item{
				SourceID:     f.ID,
				Name:         f.Name,
				SizeHint:     size,
				FetchURL:     fmt.Sprintf("%s/files/%s?alt=media", c.baseURL, f.ID),
				ThumbnailURL: f.ThumbnailLink,
				DownloadURL:  f.WebContentLink,
			})
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
		span.AddEvent("next_page", trace.WithAttributes(attribute.Int("items_so_far", len(items))))
	}

	span.SetAttributes(attribute.Int("item_count", len(items)))
	return items, nil
}

// Fetch downloads the raw bytes of one listed item.
func (c *DriveClient) Fetch(ctx context.Context, item search.Item) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "drive_client.fetch_file",
		trace.WithAttributes(attribute.String("file_id", item.SourceID)))
	defer span.End()

	resp, err := c.do(ctx, item.FetchURL)
	if err != nil {
		// Network-level failures are retryable.
		ferr := search.NewFetchError(true, 0, err)
		span.RecordError(ferr)
		return nil, ferr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		err := classifyStatus(resp.StatusCode, fmt.Errorf("downloading file %s", item.SourceID))
		span.RecordError(err)
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, search.NewFetchError(true, 0, fmt.Errorf("reading file body: %w", err))
	}

	span.SetAttributes(attribute.Int("bytes", len(data)))
	return data, nil
}

// getJSON performs a rate-limited authorized GET and decodes the JSON body.
// Listing failures are wrapped as *ListingError since they are fatal to the
// whole job.
func (c *DriveClient) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.do(ctx, rawURL)
	if err != nil {
		return search.NewListingError(false, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return search.NewListingError(isAuthStatus(resp.StatusCode),
			fmt.Errorf("drive api returned %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return search.NewListingError(false, fmt.Errorf("decoding drive response: %w", err))
	}
	return nil
}

// do performs one rate-limited authorized request.
func (c *DriveClient) do(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.tokenSource != nil {
		token, err := c.tokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("acquiring access token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Honor a Retry-After by squeezing our own rate for the duration of
	// the window; the configured limit comes back once it elapses.
	if resp.StatusCode == http.StatusTooManyRequests {
		if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && after > 0 {
			c.rateLimiter.Backoff(1.0/float64(after), 1, time.Duration(after)*time.Second)
		}
	}

	return resp, nil
}
