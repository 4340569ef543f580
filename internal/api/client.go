package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

// Client queries the status API of a running master.
type Client struct {
	baseURL string
	timeout time.Duration
	agent   *fiber.Client
}

// NewClient creates a client for the master whose status API is at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		agent:   &fiber.Client{},
	}
}

// Health returns the master's health.
func (c *Client) Health() (Health, error) {
	return get[Health](c, "/api/v1/health")
}

// Nodes returns the live registrations of nodeType.
func (c *Client) Nodes(nodeType types.NodeType) ([]NodeView, error) {
	return get[[]NodeView](c, "/api/v1/nodes/"+nodeType.String())
}

// Count returns the number of live registrations of nodeType.
func (c *Client) Count(nodeType types.NodeType) (NodeCount, error) {
	return get[NodeCount](c, "/api/v1/nodes/"+nodeType.String()+"/count")
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func get[T any](c *Client, path string) (T, error) {
	var zero T
	req := c.agent.Get(c.baseURL + path)
	req.Timeout(c.timeout)

	status, body, errs := req.Bytes()
	if len(errs) > 0 {
		return zero, fmt.Errorf("request %s: %w", path, errs[0])
	}

	var resp envelope[T]
	if err := utils.Unmarshal(body, &resp); err != nil {
		return zero, fmt.Errorf("decode %s (status %d): %w", path, status, err)
	}
	if status != fiber.StatusOK || resp.Code != CodeSuccess {
		return zero, fmt.Errorf("request %s failed with status %d: %s", path, status, resp.Message)
	}
	return resp.Data, nil
}
