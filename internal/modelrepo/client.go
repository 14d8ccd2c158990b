// Package modelrepo resolves model sources into HTTP requests for HuggingFace, ModelScope and plain mirrors
package modelrepo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shepherd-project/modelfetch/internal/registry"
)

const (
	DefaultHuggingFaceEndpoint = "https://huggingface.co"
	DefaultModelScopeEndpoint  = "https://www.modelscope.cn"
)

// ErrNotRemote is returned when a local mirror is asked for a URL
var ErrNotRemote = errors.New("source is not a remote repository")

// Options configures a Client
type Options struct {
	HuggingFaceEndpoint string
	HuggingFaceToken    string
	ModelScopeEndpoint  string
	UserAgent           string
	// ConnectTimeout bounds dialing, TLS handshake and waiting for response headers
	ConnectTimeout time.Duration
}

// Client is a model repository client
type Client struct {
	httpClient *http.Client
	opts       Options
}

// NewClient creates a new model repository client.
// There is no overall request timeout; body reads are bounded by the caller's idle watchdog.
func NewClient(opts Options) *Client {
	if opts.HuggingFaceEndpoint == "" {
		opts.HuggingFaceEndpoint = DefaultHuggingFaceEndpoint
	}
	if opts.ModelScopeEndpoint == "" {
		opts.ModelScopeEndpoint = DefaultModelScopeEndpoint
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	opts.HuggingFaceEndpoint = strings.TrimRight(opts.HuggingFaceEndpoint, "/")
	opts.ModelScopeEndpoint = strings.TrimRight(opts.ModelScopeEndpoint, "/")

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   opts.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ConnectTimeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		opts: opts,
	}
}

// FileURL returns the download URL of one manifest file in a source
func (c *Client) FileURL(src registry.Source, filePath string) (string, error) {
	switch src.Kind {
	case registry.SourceHuggingFace:
		// https://huggingface.co/{repoId}/resolve/main/{fileName}
		return fmt.Sprintf("%s/%s/resolve/main/%s", c.opts.HuggingFaceEndpoint, src.Location, escapePath(filePath)), nil
	case registry.SourceModelScope:
		// https://www.modelscope.cn/api/v1/models/{repoId}/repo?Revision=master&FilePath={fileName}
		return fmt.Sprintf("%s/api/v1/models/%s/repo?Revision=master&FilePath=%s",
			c.opts.ModelScopeEndpoint, src.Location, url.QueryEscape(filePath)), nil
	case registry.SourceHTTP:
		return strings.TrimRight(src.Location, "/") + "/" + escapePath(filePath), nil
	case registry.SourceFile:
		return "", ErrNotRemote
	default:
		return "", fmt.Errorf("unsupported source: %s", src.Kind)
	}
}

// NewRequest builds a GET request for a file; offset > 0 asks for a byte range
func (c *Client) NewRequest(ctx context.Context, method string, src registry.Source, filePath string, offset int64) (*http.Request, error) {
	fileURL, err := c.FileURL(src, filePath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, fileURL, nil)
	if err != nil {
		return nil, err
	}

	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if src.Kind == registry.SourceHuggingFace && c.opts.HuggingFaceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.HuggingFaceToken)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return req, nil
}

// Do sends a request with the client's transport
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// RemoteSize asks the source for a file's size with a HEAD request; -1 means unknown
func (c *Client) RemoteSize(ctx context.Context, src registry.Source, filePath string) (int64, error) {
	req, err := c.NewRequest(ctx, http.MethodHead, src, filePath, 0)
	if err != nil {
		return -1, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return -1, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return -1, fmt.Errorf("HEAD %s: %s", filePath, resp.Status)
	}
	return resp.ContentLength, nil
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// ParseRepoID validates and parses a repository ID
func ParseRepoID(repoID string) (owner, model string, err error) {
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo ID format (expected 'owner/model'): %s", repoID)
	}
	return parts[0], parts[1], nil
}
