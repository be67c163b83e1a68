package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ahrav/photofind/internal/domain/search"
)

const shareLink = "https://1drv.ms/f/s!AkditUfiXmZn"

func expectedShareID() string {
	return "u!" + base64.RawURLEncoding.EncodeToString([]byte(shareLink))
}

func newGraphForTest(t *testing.T, srv *httptest.Server) *GraphClient {
	t.Helper()
	client, err := NewGraphClient(shareLink, Config{
		HTTPClient:   srv.Client(),
		TokenSource:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		Tracer:       testTracer(),
		GraphBaseURL: srv.URL,
	})
	require.NoError(t, err)
	return client
}

func folderItem() graphDriveItem {
	return graphDriveItem{
		ID:     "root",
		Name:   "Shared Album",
		Folder: &struct {
			ChildCount int `json:"childCount"`
		}{ChildCount: 3},
	}
}

func imageChild(id, name string) graphDriveItem {
	return graphDriveItem{
		ID:   id,
		Name: name,
		File: &struct {
			MimeType string `json:"mimeType"`
		}{MimeType: "image/jpeg"},
		DownloadURL: "https://dl/" + id,
	}
}

func TestGraphListFollowsNextLink(t *testing.T) {
	t.Parallel()

	shareID := expectedShareID()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case fmt.Sprintf("/shares/%s/driveItem", shareID):
			json.NewEncoder(w).Encode(folderItem())
		case fmt.Sprintf("/shares/%s/driveItem/children", shareID):
			notImage := graphDriveItem{ID: "doc", Name: "notes.txt", File: &struct {
				MimeType string `json:"mimeType"`
			}{MimeType: "text/plain"}}
			json.NewEncoder(w).Encode(graphChildrenResponse{
				Value:    []graphDriveItem{imageChild("p1", "one.jpg"), notImage},
				NextLink: srv.URL + "/page-2",
			})
		case "/page-2":
			json.NewEncoder(w).Encode(graphChildrenResponse{
				Value: []graphDriveItem{imageChild("p2", "two.jpg")},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	items, err := newGraphForTest(t, srv).List(context.Background())
	require.NoError(t, err)

	// Non-image children are filtered out.
	require.Len(t, items, 2)
	assert.Equal(t, "p1", items[0].SourceID)
	assert.Equal(t, "p2", items[1].SourceID)
	assert.Equal(t, "https://dl/p1", items[0].FetchURL)
}

func TestGraphListSingleImageShare(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(imageChild("solo", "solo.jpg"))
	}))
	defer srv.Close()

	items, err := newGraphForTest(t, srv).List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "solo", items[0].SourceID)
}

func TestGraphListNonImageShareIsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		di := graphDriveItem{ID: "doc", Name: "report.pdf", File: &struct {
			MimeType string `json:"mimeType"`
		}{MimeType: "application/pdf"}}
		json.NewEncoder(w).Encode(di)
	}))
	defer srv.Close()

	items, err := newGraphForTest(t, srv).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGraphListShareResolutionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newGraphForTest(t, srv).List(context.Background())
	var lerr *search.ListingError
	require.True(t, errors.As(err, &lerr))
	assert.True(t, lerr.AuthFailure)
}
