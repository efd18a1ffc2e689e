package logger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// reserved keys LogMetric writes itself; never turned into dimensions
var metricKeys = map[string]bool{"metric": true, "value": true, "metric_type": true}

// LogMetric writes the metric as a debug line and, when CloudWatch is
// initialised, publishes numeric values with the string fields as
// dimensions.
func (e *Entry) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	if fields == nil {
		fields = make(Fields)
	}
	if metricType == "" {
		metricType = "counter"
	}
	fields["metric"] = metric
	fields["value"] = value
	fields["metric_type"] = metricType

	e.WithComponent(component).WithFields(fields).Debug("metric")

	val, ok := numericValue(value)
	if !ok {
		return
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: metricDimensions(component, fields),
		Unit:       metricUnit(metric),
		Value:      aws.Float64(val),
	}})
}

func (l *Log) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	l.WithComponent(component).LogMetric(component, metric, value, metricType, fields)
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n.Milliseconds()), true
	}
	return 0, false
}

// metricUnit derives the CloudWatch unit from the metric name suffix.
func metricUnit(metric string) cwtypes.StandardUnit {
	switch {
	case strings.HasSuffix(metric, "_bytes") || strings.Contains(metric, "_bytes_"):
		return cwtypes.StandardUnitBytes
	case strings.HasSuffix(metric, "_ms"):
		return cwtypes.StandardUnitMilliseconds
	default:
		return cwtypes.StandardUnitCount
	}
}

// metricDimensions keeps the component first and the string-valued fields
// after it in key order. CloudWatch accepts at most 30 dimensions.
func metricDimensions(component string, fields Fields) []cwtypes.Dimension {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if metricKeys[k] {
			continue
		}
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	dims := []cwtypes.Dimension{{Name: aws.String(componentKey), Value: aws.String(component)}}
	for _, k := range keys {
		if len(dims) == 30 {
			break
		}
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(fields[k].(string))})
	}
	return dims
}
