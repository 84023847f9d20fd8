package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/srilakshmi/nexus/nexus"
)

// APIError is a non-2xx response from the control API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control api: %s (http %d)", e.Message, e.Code)
}

// Client drives the control API of one node over HTTP. It is stateless
// and safe for concurrent use.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a client for the node listening at addr. addr may be
// a bare host:port or a full http URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/v0"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var eb errorBody
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Error != "" {
			return &APIError{Code: resp.StatusCode, Message: eb.Error}
		}
		return &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// CreatePool registers a pool over local device files on the node.
func (c *Client) CreatePool(ctx context.Context, name string, devices []string, capacityBytes int64) (*PoolInfo, error) {
	var info PoolInfo
	req := createPoolRequest{Name: name, Devices: devices, CapacityBytes: capacityBytes}
	if err := c.do(ctx, http.MethodPost, "/pools", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListPools returns all pools on the node.
func (c *Client) ListPools(ctx context.Context) ([]*PoolInfo, error) {
	var infos []*PoolInfo
	if err := c.do(ctx, http.MethodGet, "/pools", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// DestroyPool removes an empty pool.
func (c *Client) DestroyPool(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/pools/"+url.PathEscape(name), nil, nil)
}

// CreateReplica carves a replica from a pool.
func (c *Client) CreateReplica(ctx context.Context, pool, uuid string, sizeBytes uint64, blockSize uint32) (*ReplicaInfo, error) {
	var info ReplicaInfo
	req := createReplicaRequest{UUID: uuid, SizeBytes: sizeBytes, BlockSize: blockSize}
	if err := c.do(ctx, http.MethodPost, "/pools/"+url.PathEscape(pool)+"/replicas", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DestroyReplica releases a replica's extent back to its pool.
func (c *Client) DestroyReplica(ctx context.Context, pool, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/pools/"+url.PathEscape(pool)+"/replicas/"+url.PathEscape(uuid), nil, nil)
}

// ShareReplica exposes a replica on the node's replica target and returns
// its fabric URI.
func (c *Client) ShareReplica(ctx context.Context, pool, uuid string) (string, error) {
	var resp shareResponse
	path := "/pools/" + url.PathEscape(pool) + "/replicas/" + url.PathEscape(uuid) + "/share"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.URI, nil
}

// UnshareReplica withdraws a replica from the fabric.
func (c *Client) UnshareReplica(ctx context.Context, pool, uuid string) error {
	path := "/pools/" + url.PathEscape(pool) + "/replicas/" + url.PathEscape(uuid) + "/share"
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// CreateNexus assembles a mirrored nexus over the given child URIs.
func (c *Client) CreateNexus(ctx context.Context, uuid string, sizeBytes uint64, blockSize uint32, children []string) (*nexus.Info, error) {
	var info nexus.Info
	req := createNexusRequest{UUID: uuid, SizeBytes: sizeBytes, BlockSize: blockSize, Children: children}
	if err := c.do(ctx, http.MethodPost, "/nexuses", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListNexuses returns all nexuses on the node.
func (c *Client) ListNexuses(ctx context.Context) ([]nexus.Info, error) {
	var infos []nexus.Info
	if err := c.do(ctx, http.MethodGet, "/nexuses", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// NexusStatus returns the status snapshot of one nexus.
func (c *Client) NexusStatus(ctx context.Context, uuid string) (*nexus.Info, error) {
	var info nexus.Info
	if err := c.do(ctx, http.MethodGet, "/nexuses/"+url.PathEscape(uuid), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DestroyNexus tears down a nexus and closes its children.
func (c *Client) DestroyNexus(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/nexuses/"+url.PathEscape(uuid), nil, nil)
}

// AddChild opens a backend URI and adds it to the nexus, triggering a
// rebuild.
func (c *Client) AddChild(ctx context.Context, uuid, uri string) error {
	return c.do(ctx, http.MethodPost, "/nexuses/"+url.PathEscape(uuid)+"/children", addChildRequest{URI: uri}, nil)
}

// RemoveChild drops a child from the nexus.
func (c *Client) RemoveChild(ctx context.Context, uuid, child string) error {
	return c.do(ctx, http.MethodDelete, "/nexuses/"+url.PathEscape(uuid)+"/children/"+url.PathEscape(child), nil, nil)
}

// PublishNexus exposes the nexus on the given transport and returns the
// session endpoint.
func (c *Client) PublishNexus(ctx context.Context, uuid string, tp nexus.Transport) (*nexus.Session, error) {
	var sess nexus.Session
	req := publishRequest{Transport: string(tp)}
	if err := c.do(ctx, http.MethodPost, "/nexuses/"+url.PathEscape(uuid)+"/publish", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UnpublishNexus withdraws the nexus from its transport.
func (c *Client) UnpublishNexus(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodPost, "/nexuses/"+url.PathEscape(uuid)+"/unpublish", nil, nil)
}
