package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/instrumentd/internal/location"
)

// Measurement names.
const (
	MeasurementCalls     = "rpc_calls"
	MeasurementLifecycle = "lifecycle"
)

// RecordCall writes one dispatched call. It implements rpc.Recorder.
func (c *Client) RecordCall(loc location.Location, method string, elapsed time.Duration, err error) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(callPoint(loc, method, elapsed, err, c.now()))
}

// Record writes one lifecycle transition. It implements manager.Journal.
func (c *Client) Record(_ context.Context, loc location.Location, action string, err error) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementLifecycle,
		map[string]string{
			"class":    loc.Class(),
			"location": loc.Path(),
			"action":   action,
			"outcome":  outcome(err),
		},
		map[string]any{"count": 1},
		c.now(),
	))
	return nil
}

// WritePoint writes a custom point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, c.now()))
}

func callPoint(loc location.Location, method string, elapsed time.Duration, err error, at time.Time) *write.Point {
	return write.NewPoint(MeasurementCalls,
		map[string]string{
			"class":    loc.Class(),
			"location": loc.Path(),
			"method":   method,
			"outcome":  outcome(err),
		},
		map[string]any{
			"duration_ms": float64(elapsed) / float64(time.Millisecond),
		},
		at,
	)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
