// Package providers implements the cloud-storage adapters behind the
// search.Provider port: a Google Drive variant and a Microsoft Graph
// (OneDrive/SharePoint) variant, selected by URL-pattern classification.
package providers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/ahrav/photofind/internal/domain/search"
)

// Kind identifies a supported provider. It is a closed set: classification
// happens once per job, before any network call.
type Kind string

const (
	KindGoogleDrive Kind = "google_drive"
	KindOneDrive    Kind = "onedrive"
	KindUnknown     Kind = "unknown"
)

func (k Kind) String() string { return string(k) }

// Classify detects the provider from a folder link.
func Classify(folderLink string) Kind {
	switch {
	case strings.Contains(folderLink, "drive.google.com"),
		strings.Contains(folderLink, "docs.google.com"):
		return KindGoogleDrive
	case strings.Contains(folderLink, "onedrive.live.com"),
		strings.Contains(folderLink, "1drv.ms"),
		strings.Contains(folderLink, "sharepoint.com"):
		return KindOneDrive
	default:
		return KindUnknown
	}
}

var driveFolderIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/folders/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`id=([a-zA-Z0-9_-]+)`),
}

// extractDriveFolderID pulls the folder ID out of a Google Drive URL.
func extractDriveFolderID(folderLink string) (string, error) {
	for _, pattern := range driveFolderIDPatterns {
		if m := pattern.FindStringSubmatch(folderLink); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: no folder id in google drive link", search.ErrInvalidInput)
}

// Config carries the construction-time dependencies shared by all adapters.
// Credentials arrive out of band as an oauth2.TokenSource; token refresh is
// the token source's concern, never the adapter's.
type Config struct {
	HTTPClient  *http.Client
	TokenSource oauth2.TokenSource
	Tracer      trace.Tracer

	// DriveBaseURL and GraphBaseURL override the production API hosts;
	// tests point them at a local server.
	DriveBaseURL string
	GraphBaseURL string
}

// New classifies the folder link and returns the matching adapter. An
// unrecognized pattern fails with ErrUnsupportedProvider before any
// network call.
func New(folderLink string, cfg Config) (search.Provider, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	switch Classify(folderLink) {
	case KindGoogleDrive:
		return NewDriveClient(folderLink, cfg)
	case KindOneDrive:
		return NewGraphClient(folderLink, cfg)
	default:
		return nil, fmt.Errorf("%w: %q matches no known provider pattern", search.ErrUnsupportedProvider, folderLink)
	}
}

// classifyStatus converts an HTTP response status into the fetch error
// taxonomy: rate limits and server errors are transient, auth and
// permission failures are not.
func classifyStatus(status int, cause error) *search.FetchError {
	transient := status == http.StatusTooManyRequests || status >= 500
	return search.NewFetchError(transient, status, cause)
}

// isAuthStatus reports whether a status indicates expired or revoked
// credentials.
func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
