// Package telemetry records flow and fee measurements to InfluxDB.
package telemetry

import (
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
)

// Recorder writes accounting measurements using the non-blocking write
// API: a dropped point never stalls a transfer.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder connects a measurement recorder.
func NewRecorder(cfg Config) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// RecordFlow records one limiter movement on an edge.
func (r *Recorder) RecordFlow(edge uint32, direction string, amount, level decimal.Decimal) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("bridge_flow",
		map[string]string{
			"edge":      formatEdge(edge),
			"direction": direction,
		},
		map[string]interface{}{
			"amount": amount.InexactFloat64(),
			"level":  level.InexactFloat64(),
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// RecordFee records a fee accrual.
func (r *Recorder) RecordFee(edge uint32, fee decimal.Decimal) {
	if r == nil {
		return
	}
	p := influxdb2.NewPoint("bridge_fee",
		map[string]string{"edge": formatEdge(edge)},
		map[string]interface{}{"fee": fee.InexactFloat64()},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// Close flushes pending points and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.writeAPI.Flush()
	r.client.Close()
}

func formatEdge(edge uint32) string {
	return strconv.FormatUint(uint64(edge), 10)
}
