package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client writes projector telemetry to one InfluxDB bucket.
//
// A nil *Client stands for disabled telemetry: every write is dropped and
// HealthCheck reports ErrNotConnected.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes are queued and sent in batches by the library.
type Client struct {
	client influxdb2.Client
	writes api.WriteAPI

	// mu is held for reading while a point is queued so Close cannot
	// close the write API underneath it.
	mu     sync.RWMutex
	closed bool

	errMu   sync.RWMutex
	onError func(err error)
}

// batching returns the library options for cfg, filling in defaults for
// unset batch settings.
func batching(cfg config.InfluxDBConfig) *influxdb2.Options {
	size := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		size = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(size).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // Positive by construction
}

// Connect pings the server and prepares the batched write API.
//
// Parameters:
//   - cfg: InfluxDB section of the bridge configuration
//
// Returns:
//   - *Client: Client ready for writes
//   - error: ErrDisabled when telemetry is off, ErrConnectionFailed when
//     the server does not answer the ping
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, batching(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client: client,
		writes: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.forwardErrors(c.writes.Errors())
	return c, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return fmt.Errorf("server at %s not ready", client.ServerURL())
	}
	return nil
}

// forwardErrors hands failed batch writes to the error callback. It ends
// when the library closes the channel on Close.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.errMu.RLock()
		callback := c.onError
		c.errMu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets the callback for failed batch writes. Writes are queued,
// so this is the only place their errors surface.
func (c *Client) SetOnError(callback func(err error)) {
	if c == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.onError = callback
}

// active reports whether the client is open.
func (c *Client) active() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// queue hands p to the batching writer unless the client is nil or closed.
func (c *Client) queue(p *write.Point) {
	if c == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.writes.WritePoint(p)
}

// HealthCheck pings the server. The bridge's health reporter calls it on
// every report and marks the bridge degraded when it fails.
//
// Parameters:
//   - ctx: Context for timeout/cancellation; a ping timeout applies too
//
// Returns:
//   - error: ErrNotConnected for a nil or closed client, otherwise the
//     ping error
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.active() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb unhealthy: %w", err)
	}
	return nil
}

// Close sends queued points and closes the client. Later writes are
// dropped. Safe to call more than once and on a nil client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.writes.Flush()
	c.client.Close()
	return nil
}
