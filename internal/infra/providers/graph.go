package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/ahrav/photofind/internal/domain/search"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphClient lists and fetches images from a OneDrive/SharePoint shared
// folder via the Microsoft Graph shares API.
type GraphClient struct {
	shareID     string
	baseURL     string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	rateLimiter *RateLimiter
	tracer      trace.Tracer
}

var _ search.Provider = (*GraphClient)(nil)

// NewGraphClient builds a Graph adapter for the shared folder link. Graph
// resolves shares through an encoded share token ("u!" + unpadded
// base64url of the link).
func NewGraphClient(folderLink string, cfg Config) (*GraphClient, error) {
	if strings.TrimSpace(folderLink) == "" {
		return nil, fmt.Errorf("%w: empty share link", search.ErrInvalidInput)
	}

	baseURL := cfg.GraphBaseURL
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}

	shareID := "u!" + base64.RawURLEncoding.EncodeToString([]byte(folderLink))

	return &GraphClient{
		shareID:     shareID,
		baseURL:     baseURL,
		httpClient:  cfg.HTTPClient,
		tokenSource: cfg.TokenSource,
		rateLimiter: NewRateLimiter(8, 4),
		tracer:      cfg.Tracer,
	}, nil
}

type graphDriveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	WebURL string `json:"webUrl"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	DownloadURL string `json:"@microsoft.graph.downloadUrl"`
	Thumbnail   string `json:"thumbnailUrl"`
}

type graphChildrenResponse struct {
	Value    []graphDriveItem `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// List resolves the share and enumerates its image children, following
// @odata.nextLink until the listing is exhausted. A share that resolves to
// a single image yields a one-item listing.
func (c *GraphClient) List(ctx context.Context) ([]search.Item, error) {
	ctx, span := c.tracer.Start(ctx, "graph_client.list_share")
	defer span.End()

	var root graphDriveItem
	if err := c.getJSON(ctx, fmt.Sprintf("%s/shares/%s/driveItem", c.baseURL, c.shareID), &root); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if root.Folder == nil {
		if root.File != nil && strings.HasPrefix(root.File.MimeType, "image/") {
			span.SetAttributes(attribute.Int("item_count", 1))
			return []search.Item{c.toItem(root)}, nil
		}
		span.SetAttributes(attribute.Int("item_count", 0))
		return nil, nil
	}

	var items []search.Item
	next := fmt.Sprintf("%s/shares/%s/driveItem/children?$top=1000", c.baseURL, c.shareID)
	for next != "" {
		var page graphChildrenResponse
		if err := c.getJSON(ctx, next, &page); err != nil {
			span.RecordError(err)
			return nil, err
		}

		for _, child := range page.Value {
			if child.File == nil || !strings.HasPrefix(child.File.MimeType, "image/") {
				continue
			}
			items = append(items, c.toItem(child))
		}

		next = page.NextLink
		if next != "" {
			span.AddEvent("next_page", trace.WithAttributes(attribute.Int("items_so_far", len(items))))
		}
	}

	span.SetAttributes(attribute.Int("item_count", len(items)))
	return items, nil
}

func (c *GraphClient) toItem(di graphDriveItem) search.Item {
	fetchURL := di.DownloadURL
	if fetchURL == "" {
		fetchURL = fmt.Sprintf("%s/me/drive/items/%s/content", c.baseURL, di.ID)
	}
	return search.Item{
		SourceID:     di.ID,
		Name:         di.Name,
		SizeHint:     di.Size,
		FetchURL:     fetchURL,
		ThumbnailURL: di.Thumbnail,
		DownloadURL:  di.WebURL,
	}
}

// Fetch downloads the raw bytes of one listed item.
func (c *GraphClient) Fetch(ctx context.Context, item search.Item) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "graph_client.fetch_item",
		trace.WithAttributes(attribute.String("item_id", item.SourceID)))
	defer span.End()

	resp, err := c.do(ctx, item.FetchURL)
	if err != nil {
		ferr := search.NewFetchError(true, 0, err)
		span.RecordError(ferr)
		return nil, ferr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		ferr := classifyStatus(resp.StatusCode, fmt.Errorf("downloading item %s", item.SourceID))
		span.RecordError(ferr)
		return nil, ferr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, search.NewFetchError(true, 0, fmt.Errorf("reading item body: %w", err))
	}

	span.SetAttributes(attribute.Int("bytes", len(data)))
	return data, nil
}

func (c *GraphClient) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.do(ctx, rawURL)
	if err != nil {
		return search.NewListingError(false, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return search.NewListingError(isAuthStatus(resp.StatusCode),
			fmt.Errorf("graph api returned %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return search.NewListingError(false, fmt.Errorf("decoding graph response: %w", err))
	}
	return nil
}

func (c *GraphClient) do(ctx context.Context, rawURL string) (*http.Response, error) {
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

	return c.httpClient.Do(req)
}
