// Package rowapi is the HTTP client of the remote memory row API
package rowapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/soulsnaps/internal/memory"
	"github.com/openmined/soulsnaps/internal/version"
)

const (
	v1Memories = "/v1/memories"
	v1Memory   = "/v1/memories/{id}"

	HeaderClientVersion = "X-Soulsnaps-Version"
)

var UserAgent = fmt.Sprintf("soulsnaps/%s (%s; %s; %s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// API is the row API used by the sync manager
type API interface {
	// Upsert creates or updates the row of a memory and returns its remote id
	Upsert(ctx context.Context, row *memory.Row) (string, error)
	SetFavorite(ctx context.Context, remoteID string, favorite bool) error
	// Delete removes a row. It reports false when the row did not exist.
	Delete(ctx context.Context, remoteID string) (bool, error)
	FetchAll(ctx context.Context, userID string) ([]*memory.Row, error)
}

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// Client talks to the row API over HTTP
type Client struct {
	client  *req.Client
	baseURL string
}

var _ API = (*Client)(nil)

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := req.C().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetUserAgent(UserAgent).
		SetCommonHeader(HeaderClientVersion, version.Version).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	if opts.RetryCount > 0 {
		client.SetCommonRetryCount(opts.RetryCount).
			SetCommonRetryBackoffInterval(250*time.Millisecond, 3*time.Second)
	}
	if opts.Token != "" {
		client.SetCommonBearerAuthToken(opts.Token)
	}

	return &Client{client: client, baseURL: opts.BaseURL}, nil
}

type favoritePatch struct {
	IsFavorite bool `json:"is_favorite"`
}

func (c *Client) Upsert(ctx context.Context, row *memory.Row) (string, error) {
	var out memory.Row
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(row).
		SetSuccessResult(&out).
		Post(v1Memories)

	if err := handleAPIError(res, err, "upsert memory"); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("upsert memory %s: %w", row.LocalID, ErrNoRemoteID)
	}
	return out.ID, nil
}

func (c *Client) SetFavorite(ctx context.Context, remoteID string, favorite bool) error {
	if remoteID == "" {
		return ErrNoRemoteID
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", remoteID).
		SetBody(&favoritePatch{IsFavorite: favorite}).
		Patch(v1Memory)

	return handleAPIError(res, err, "set favorite")
}

func (c *Client) Delete(ctx context.Context, remoteID string) (bool, error) {
	if remoteID == "" {
		return false, ErrNoRemoteID
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", remoteID).
		Delete(v1Memory)

	if res != nil && res.Response != nil && res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := handleAPIError(res, err, "delete memory"); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) FetchAll(ctx context.Context, userID string) ([]*memory.Row, error) {
	var rows []*memory.Row
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetSuccessResult(&rows).
		Get(v1Memories)

	if err := handleAPIError(res, err, "fetch memories"); err != nil {
		return nil, err
	}
	return rows, nil
}
