package gatewayapi

import (
	"time"

	"github.com/talkincode/whatsgate/pkg/metrics"
)

type metricPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

func queryMetric(name string, hours int) ([]metricPoint, error) {
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	points, err := metrics.Query(name, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]metricPoint, 0, len(points))
	for _, p := range points {
		out = append(out, metricPoint{Timestamp: p.Timestamp, Value: p.Value})
	}
	return out, nil
}
