package civitai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Client is a thin, paginated wire client over the model-hosting API.
// It owns no retry policy of its own — callers (the Enumerator)
// are expected to wrap requests with the transport package's retry loop
// and rate governor acquisition; Client only knows how to shape requests
// and walk pages.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	ua      string
}

// New builds a Client against baseURL (e.g. the official endpoint, or a
// configured fallback).
func New(baseURL, token, userAgent string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, token: token, http: httpClient, ua: userAgent}
}

func (c *Client) newRequest(ctx context.Context, path string, query url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("civitai: building request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Page is one paginated response envelope, generic over the item type.
type Page[T any] struct {
	Items    []T      `json:"items"`
	Metadata Metadata `json:"metadata"`
}

// Metadata carries the next-page cursor the Enumerator follows.
type Metadata struct {
	NextPage   string `json:"nextPage"`
	NextCursor string `json:"nextCursor"`
	TotalItems int64  `json:"totalItems"`
}

// do executes req and decodes a single JSON value, returning the raw HTTP
// status so callers can classify non-2xx responses themselves.
func do[T any](c *Client, req *http.Request) (T, *http.Response, error) {
	var zero T
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return zero, resp, fmt.Errorf("civitai: %s returned status %d", req.URL.Path, resp.StatusCode)
	}
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return zero, resp, fmt.Errorf("civitai: decoding response from %s: %w", req.URL.Path, err)
	}
	return v, resp, nil
}

// ModelsByCreator fetches one page of a creator's models. cursorOrURL is
// empty for the first page, and thereafter the prior page's
// Metadata.NextPage (a full URL) or NextCursor, whichever the server used.
func (c *Client) ModelsByCreator(ctx context.Context, handle string, cursorOrURL string) (Page[Model], error) {
	if cursorOrURL != "" {
		if u, err := url.Parse(cursorOrURL); err == nil && u.IsAbs() {
			return c.getPage(ctx, u.Path, u.Query())
		}
		q := url.Values{"username": {handle}, "cursor": {cursorOrURL}}
		return c.getPage(ctx, "/models", q)
	}
	return c.getPage(ctx, "/models", url.Values{"username": {handle}, "limit": {"100"}})
}

func (c *Client) getPage(ctx context.Context, path string, q url.Values) (Page[Model], error) {
	req, err := c.newRequest(ctx, path, q)
	if err != nil {
		return Page[Model]{}, err
	}
	page, _, err := do[Page[Model]](c, req)
	return page, err
}

// Model fetches a single model by id.
func (c *Client) Model(ctx context.Context, id int64) (Model, error) {
	req, err := c.newRequest(ctx, "/models/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return Model{}, err
	}
	m, _, err := do[Model](c, req)
	return m, err
}

// ModelVersion fetches a single version by id.
func (c *Client) ModelVersion(ctx context.Context, id int64) (Version, error) {
	req, err := c.newRequest(ctx, "/model-versions/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return Version{}, err
	}
	v, _, err := do[Version](c, req)
	return v, err
}

// ImagesByUser walks a user's gallery/profile images, following the
// same nextPage/cursor convention as ModelsByCreator.
func (c *Client) ImagesByUser(ctx context.Context, handle string, cursorOrURL string, limit int) (Page[Image], error) {
	if cursorOrURL != "" {
		if u, err := url.Parse(cursorOrURL); err == nil && u.IsAbs() {
			req, err := c.newRequest(ctx, u.Path, u.Query())
			if err != nil {
				return Page[Image]{}, err
			}
			page, _, err := do[Page[Image]](c, req)
			return page, err
		}
	}
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{
		"username": {handle},
		"limit":    {strconv.Itoa(limit)},
	}
	if cursorOrURL != "" {
		q.Set("cursor", cursorOrURL)
	}
	req, err := c.newRequest(ctx, "/images", q)
	if err != nil {
		return Page[Image]{}, err
	}
	page, _, err := do[Page[Image]](c, req)
	return page, err
}

// ImagesByModelVersion walks the preview/gallery images attached to a
// version, used when a version's embedded Images field is absent or
// truncated by the server.
func (c *Client) ImagesByModelVersion(ctx context.Context, versionID int64, cursorOrURL string) (Page[Image], error) {
	if cursorOrURL != "" {
		if u, err := url.Parse(cursorOrURL); err == nil && u.IsAbs() {
			req, err := c.newRequest(ctx, u.Path, u.Query())
			if err != nil {
				return Page[Image]{}, err
			}
			page, _, err := do[Page[Image]](c, req)
			return page, err
		}
	}
	q := url.Values{
		"modelVersionId": {strconv.FormatInt(versionID, 10)},
		"limit":          {"100"},
	}
	if cursorOrURL != "" {
		q.Set("cursor", cursorOrURL)
	}
	req, err := c.newRequest(ctx, "/images", q)
	if err != nil {
		return Page[Image]{}, err
	}
	page, _, err := do[Page[Image]](c, req)
	return page, err
}
