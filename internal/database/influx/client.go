// Package influx writes pool time series: shares, jobs and Stratum
// connection events.
package influx

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// Client wraps the non-blocking InfluxDB write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
}

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects to InfluxDB. Asynchronous write errors are logged.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(5000))

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := checkHealth(healthCtx, client); err != nil {
		client.Close()
		return nil, err
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		done:     make(chan struct{}),
	}

	errLog := logger.WithComponent("influx")
	go func() {
		for {
			select {
			case err, ok := <-c.writeAPI.Errors():
				if !ok {
					return
				}
				errLog.WithError(err).Warn("influx write failed")
			case <-c.done:
				return
			}
		}
	}()

	return c, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return errors.Transport(err, "influx_health", "failed to check health")
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeTransport, "influx_health", "health check failed").
			WithContext("message", msg)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity.
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces a write of all pending points.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare records one share submission.
func (c *Client) WriteShare(share *store.Share) {
	c.writeAPI.WritePoint(SharePoint(share))
}

// WriteJob records the creation of a job.
func (c *Client) WriteJob(job *store.Job) {
	c.writeAPI.WritePoint(JobPoint(job))
}

// WriteConnection records a Stratum connection event with the number of
// live sessions after it.
func (c *Client) WriteConnection(event string, active int) {
	c.writeAPI.WritePoint(ConnectionPoint(event, active, time.Now()))
}

// SharePoint builds the "shares" point for share.
func SharePoint(share *store.Share) *write.Point {
	tags := map[string]string{
		"worker": share.Worker,
		"valid":  strconv.FormatBool(share.Valid),
	}
	fields := map[string]any{
		"job_id": share.JobID,
		"hash":   share.Hash,
		"count":  1,
	}
	return write.NewPoint("shares", tags, fields, share.SubmittedAt)
}

// JobPoint builds the "jobs" point for job.
func JobPoint(job *store.Job) *write.Point {
	tags := map[string]string{
		"prev_block": job.PrevBlockHash,
	}
	fields := map[string]any{
		"job_id":        job.ID,
		"target":        job.TargetHex,
		"leading_zeros": job.LeadingZeros,
	}
	return write.NewPoint("jobs", tags, fields, job.CreatedAt)
}

// ConnectionPoint builds the "connections" point.
func ConnectionPoint(event string, active int, t time.Time) *write.Point {
	return write.NewPoint("connections",
		map[string]string{"event": event},
		map[string]any{"active": active},
		t,
	)
}
