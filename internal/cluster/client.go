package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"catalyst-go/internal/catalyst"
)

// DefaultFetchTimeout bounds a single request to a peer.
const DefaultFetchTimeout = 30 * time.Second

// Client talks to the HTTP API of other nodes. Every failure is reported as
// a *catalyst.TransientPeerError.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Client{http: httpClient, timeout: timeout}
}

// ListDeployments fetches one page of the peer's deployment history.
func (c *Client) ListDeployments(ctx context.Context, peer string, filter catalyst.DeploymentFilter) (*catalyst.DeploymentPage, error) {
	var page catalyst.DeploymentPage
	if err := c.getJSON(ctx, peer, "/deployments?"+filter.Values().Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetDeployment returns the peer's record of one entity, or nil if the peer
// does not have it.
func (c *Client) GetDeployment(ctx context.Context, peer, entityID string) (*catalyst.Deployment, error) {
	page, err := c.ListDeployments(ctx, peer, catalyst.DeploymentFilter{EntityIDs: []string{entityID}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Deployments) == 0 {
		return nil, nil
	}
	return page.Deployments[0], nil
}

// ListSnapshots returns the peer's current snapshots.
func (c *Client) ListSnapshots(ctx context.Context, peer string) ([]*catalyst.Snapshot, error) {
	var snaps []*catalyst.Snapshot
	if err := c.getJSON(ctx, peer, "/snapshots", &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// Fetch downloads a content file. The timeout covers the whole transfer, so
// the returned reader must be consumed promptly. Size is -1 when the peer
// does not announce it.
func (c *Client) Fetch(ctx context.Context, peer, hash string) (io.ReadCloser, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := c.do(ctx, peer, "/contents/"+hash)
	if err != nil {
		cancel()
		return nil, 0, err
	}
	size := int64(-1)
	if s := resp.Header.Get("Content-Length"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			size = n
		}
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, size, nil
}

func (c *Client) getJSON(ctx context.Context, peer, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, peer, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &catalyst.TransientPeerError{Peer: peer, Err: fmt.Errorf("decoding %s: %w", path, err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, peer, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+path, nil)
	if err != nil {
		return nil, &catalyst.TransientPeerError{Peer: peer, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &catalyst.TransientPeerError{Peer: peer, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err := fmt.Errorf("GET %s: %s", path, resp.Status)
		if resp.StatusCode == http.StatusNotFound {
			err = fmt.Errorf("%w: GET %s", catalyst.ErrContentNotFound, path)
		}
		return nil, &catalyst.TransientPeerError{Peer: peer, Err: err}
	}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
