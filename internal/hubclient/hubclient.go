// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hubclient implements the Hub Client (C4): a stateless HTTP client
// over a shared session that looks up repo manifests, probes file sizes,
// and streams byte ranges from a Hugging Face-style hub, with bit-exact
// HTTP error mapping (§4.4).
package hubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

const defaultBaseURL = "https://huggingface.co"

// TokenSource resolves a bearer token following the precedence in §4.4:
// in-app settings override -> environment -> OS keychain -> .env file.
// The engine supplies the concrete resolver; the client only calls it.
type TokenSource interface {
	Token() string
}

// StaticToken is the simplest TokenSource: a fixed string (possibly empty).
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

// Client is a stateless HTTP client for the hub API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the hub base URL (useful for mirrors/tests).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client that resolves tokens via tokens (may be nil for
// anonymous access).
func New(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          64,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Client) addAuth(req *http.Request) {
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("User-Agent", "modelengine/1")
	// Correlates this request with its response in hub-side logs and with
	// our own transport-error messages, independent of the repo attempt ID.
	req.Header.Set("X-Request-Id", uuid.New().String())
}

// siblingLFS mirrors the hub's "lfs" sub-object on a repo info sibling.
type siblingLFS struct {
	Size          int64  `json:"size,omitempty"`
	SHA256        string `json:"sha256,omitempty"`
	PointerSize   int64  `json:"pointerSize,omitempty"`
	PointerSHA256 string `json:"pointerSha256,omitempty"`
}

type sibling struct {
	RFilename string      `json:"rfilename"`
	Size      *int64      `json:"size,omitempty"`
	SHA       string      `json:"sha,omitempty"`
	LFS       *siblingLFS `json:"lfs,omitempty"`
}

// repoInfo mirrors GET /api/models/{owner}/{name} (§6).
type repoInfo struct {
	ID           string    `json:"id"`
	SHA          string    `json:"sha"`
	Downloads    int64     `json:"downloads"`
	Likes        int64     `json:"likes"`
	Tags         []string  `json:"tags"`
	PipelineTag  string    `json:"pipeline_tag"`
	LibraryName  string    `json:"library_name"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	Siblings     []sibling `json:"siblings"`
}

// RepoSummary is one entry of a /api/models search result.
type RepoSummary struct {
	ID          string   `json:"id"`
	Tags        []string `json:"tags"`
	Downloads   int64    `json:"downloads"`
	Likes       int64    `json:"likes"`
	PipelineTag string   `json:"pipeline_tag"`
}

// mapStatus applies the bit-exact mapping table of §4.4.
func mapStatus(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		e := engine.NewError(engine.KindUnauthorized, msg, nil)
		e.NeedsToken = true
		return e
	case resp.StatusCode == http.StatusForbidden:
		e := engine.NewError(engine.KindForbidden, msg, nil)
		e.NeedsToken = true
		return e
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewError(engine.KindNotFound, msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := engine.NewError(engine.KindRateLimited, msg, nil)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	case resp.StatusCode >= 500:
		return engine.NewError(engine.KindNetworkError, fmt.Sprintf("server error %d: %s", resp.StatusCode, msg), nil)
	default:
		return engine.NewError(engine.KindInvalidRequest, fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, msg), nil)
	}
}

func wrapTransportError(err error) error {
	return engine.NewError(engine.KindNetworkError, "transport failure", err)
}

// GetRepoInfo fetches the full manifest for repoID's main revision,
// including siblings (file list with optional size/sha/lfs metadata).
func (c *Client) GetRepoInfo(ctx context.Context, repoID string) (engine.RepoManifest, error) {
	u := fmt.Sprintf("%s/api/models/%s", c.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return engine.RepoManifest{}, err
	}
	c.addAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.RepoManifest{}, wrapTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := mapStatus(resp, body); err != nil {
		return engine.RepoManifest{}, err
	}

	var info repoInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return engine.RepoManifest{}, engine.NewError(engine.KindInvalidRequest, "decode repo info", err)
	}

	manifest := engine.RepoManifest{
		RepoID:    repoID,
		SHA:       info.SHA,
		FetchedAt: time.Now().UTC(),
	}
	seen := make(map[string]bool, len(info.Siblings))
	for _, s := range info.Siblings {
		if s.RFilename == "" || seen[s.RFilename] {
			continue
		}
		seen[s.RFilename] = true

		entry := engine.FileEntry{Name: s.RFilename}
		// LFS entries prefer lfs.size over size, and lfs.sha256 /
		// lfs.pointer_sha256 over inline sha (§4.4).
		if s.LFS != nil {
			size := s.LFS.Size
			entry.ExpectedSize = &size
			switch {
			case s.LFS.SHA256 != "":
				entry.ExpectedSHA256 = strings.ToLower(s.LFS.SHA256)
			case s.LFS.PointerSHA256 != "":
				entry.ExpectedSHA256 = strings.ToLower(s.LFS.PointerSHA256)
			}
		} else {
			if s.Size != nil {
				entry.ExpectedSize = s.Size
			}
			if s.SHA != "" {
				entry.ExpectedSHA256 = strings.ToLower(s.SHA)
			}
		}
		manifest.Files = append(manifest.Files, entry)
	}
	return manifest, nil
}

// Search performs a hub model search. No engine code path calls it: a
// GetRepoInfo 404 is returned to the caller unchanged.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]RepoSummary, error) {
	u := fmt.Sprintf("%s/api/models?search=%s&limit=%d", c.baseURL, url.QueryEscape(query), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := mapStatus(resp, body); err != nil {
		return nil, err
	}

	var results []RepoSummary
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, engine.NewError(engine.KindInvalidRequest, "decode search results", err)
	}
	return results, nil
}

// FileSize HEAD-probes a file's Content-Length without downloading it.
func (c *Client) FileSize(ctx context.Context, repoID, fileName string) (int64, error) {
	u := c.resolveURL(repoID, fileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, err
	}
	c.addAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, wrapTransportError(err)
	}
	defer resp.Body.Close()

	if err := mapStatus(resp, nil); err != nil {
		return 0, err
	}
	return resp.ContentLength, nil
}

// AcceptsRanges HEAD-probes whether fileName supports byte-range requests.
func (c *Client) AcceptsRanges(ctx context.Context, repoID, fileName string) bool {
	u := c.resolveURL(repoID, fileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false
	}
	c.addAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
}

// StreamFile performs GET {repoID}/resolve/main/{fileName}, optionally
// resuming from offsetBytes via a Range header, and writes the body to w,
// invoking onChunk after each read with the number of bytes just written.
func (c *Client) StreamFile(ctx context.Context, repoID, fileName string, offsetBytes int64, w io.Writer, onChunk func(n int)) (int64, error) {
	u := c.resolveURL(repoID, fileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	c.addAuth(req)
	if offsetBytes > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offsetBytes))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, wrapTransportError(err)
	}
	defer resp.Body.Close()

	if offsetBytes > 0 && resp.StatusCode == http.StatusOK {
		// Server ignored the Range header; caller must restart from zero.
		return 0, engine.NewError(engine.KindNetworkError, "range request not honored", nil)
	}
	wantStatus := http.StatusOK
	if offsetBytes > 0 {
		wantStatus = http.StatusPartialContent
	}
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := mapStatus(resp, body); err != nil {
			return 0, err
		}
		return 0, engine.NewError(engine.KindNetworkError, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	const readBufSize = 64 << 10
	buf := make([]byte, readBufSize)
	var total int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if onChunk != nil {
				onChunk(n)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, wrapTransportError(rerr)
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

func (c *Client) resolveURL(repoID, fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repoID, pathEscapeAll(fileName))
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}

// WhoAmI validates the configured token against GET /api/whoami-v2.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	u := c.baseURL + "/api/whoami-v2"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	c.addAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", wrapTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := mapStatus(resp, body); err != nil {
		return "", err
	}

	var who struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &who); err != nil {
		return "", engine.NewError(engine.KindInvalidRequest, "decode whoami", err)
	}
	return who.User.Name, nil
}
