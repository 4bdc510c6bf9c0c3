package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/config"
)

const (
	influxConnectTimeout = 10 * time.Second
	measurementSession   = "cma_session"
)

// Influx records each notification as a cma_session point.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger
}

// ConnectInflux pings the server and opens a non-blocking write API.
func ConnectInflux(cfg config.InfluxDBConfig, logger *slog.Logger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", ErrNotConnected)
	}

	i := &Influx{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.With("component", "influxdb"),
	}
	go i.drainErrors(i.writeAPI.Errors())
	return i, nil
}

func (i *Influx) drainErrors(errs <-chan error) {
	for err := range errs {
		i.logger.Warn("InfluxDB write failed", "error", err)
	}
}

func (i *Influx) Notify(n cma.Notification) {
	i.writeAPI.WritePoint(sessionPoint(n))
}

func (i *Influx) Close() error {
	i.writeAPI.Flush()
	i.client.Close()
	return nil
}

func sessionPoint(n cma.Notification) *write.Point {
	tags := map[string]string{"type": string(n.Type)}
	if n.Transport != "" {
		tags["transport"] = n.Transport
	}

	fields := map[string]interface{}{"count": 1}
	if n.Message != "" {
		fields["message"] = n.Message
	}
	if n.DeviceName != "" {
		fields["device"] = n.DeviceName
	}

	ts := n.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(measurementSession, tags, fields, ts)
}
