package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cadenza-labs/cadenza-go/contracts"
)

// Cache hands out one Client per plugin address and keeps them alive for the
// lifetime of the process. A first use of a target triggers a bounded health
// probe; a failed probe is logged but the call still proceeds, since the
// worker may simply not expose a health endpoint.
type Cache struct {
	logger       *slog.Logger
	probeTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:       logger,
		probeTimeout: 3 * time.Second,
		clients:      make(map[string]*Client),
	}
}

// PerformTask sends a task to the worker at host:port.
func (c *Cache) PerformTask(ctx context.Context, host string, port int, req contracts.PerformTaskRequest) (contracts.PerformTaskResponse, error) {
	client, err := c.client(ctx, "worker", hostPort(host, port))
	if err != nil {
		return contracts.PerformTaskResponse{}, err
	}
	return client.PerformTask(ctx, req)
}

// Deliver sends a finished run to the origin at the given base URL.
func (c *Cache) Deliver(ctx context.Context, origin string, req contracts.DeliverRequest) (contracts.DeliverResponse, error) {
	client, err := c.client(ctx, "origin", origin)
	if err != nil {
		return contracts.DeliverResponse{}, err
	}
	return client.Deliver(ctx, req)
}

func (c *Cache) client(ctx context.Context, service, baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("dispatch target is required")
	}

	c.mu.Lock()
	client, ok := c.clients[baseURL]
	if !ok {
		client = NewClient(service, baseURL)
		c.clients[baseURL] = client
	}
	c.mu.Unlock()

	if !ok {
		c.probe(ctx, service, baseURL)
	}
	return client, nil
}

func (c *Cache) probe(ctx context.Context, service, baseURL string) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.logger.Warn("dispatch target probe failed", "service", service, "target", baseURL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("dispatch target probe unhealthy", "service", service, "target", baseURL, "status", resp.StatusCode)
	}
}

// Close releases idle connections held by cached clients.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.closeIdle()
	}
	c.clients = make(map[string]*Client)
}

func hostPort(host string, port int) string {
	return "http://" + net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}
