package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	defaultNamespace = "Cryptofeed"
	defaultDashboard = "Cryptofeed"
)

type cloudwatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, params *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type cloudwatchSink struct {
	client    cloudwatchAPI
	namespace string
	dashboard string
}

var (
	sinkMu sync.RWMutex
	sink   *cloudwatchSink
)

func currentSink() *cloudwatchSink {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sink
}

func setSink(s *cloudwatchSink) {
	sinkMu.Lock()
	sink = s
	sinkMu.Unlock()
}

// InitCloudWatch turns on metric publishing. An empty region falls back to
// AWS_REGION. If the AWS configuration cannot be loaded publishing stays off
// and a warning is logged.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	s := newCloudwatchSink(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	setSink(s)
	log.WithFields(Fields{"region": region, "namespace": s.namespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

func newCloudwatchSink(client cloudwatchAPI, namespace, dashboard string) *cloudwatchSink {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if dashboard == "" {
		dashboard = defaultDashboard
	}
	return &cloudwatchSink{client: client, namespace: namespace, dashboard: dashboard}
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	if s := currentSink(); s != nil {
		s.publish(ctx, data)
	}
}

func (s *cloudwatchSink) publish(ctx context.Context, data []cwtypes.MetricDatum) {
	if len(data) == 0 {
		return
	}
	log := GetLogger().WithComponent("cloudwatch")

	if _, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, aws.ToString(d.MetricName))
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard writes the feed dashboard when CloudWatch is on.
// Failures are logged and ignored.
func CreateDefaultDashboard(ctx context.Context) {
	s := currentSink()
	if s == nil {
		return
	}
	body, err := dashboardBody(s.namespace)
	if err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to render CloudWatch dashboard")
		return
	}
	if _, err := s.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(s.dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

type dashboardWidget struct {
	Type       string           `json:"type"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Metrics [][]string `json:"metrics"`
	Period  int        `json:"period"`
	Stat    string     `json:"stat"`
	Title   string     `json:"title"`
}

// each panel becomes one dashboard widget
var dashboardPanels = []struct {
	title   string
	stat    string
	metrics []string
}{
	{"Subscriptions", "Sum", []string{"connections_opened", "channels_confirmed"}},
	{"Result queue", "Maximum", []string{"results_length"}},
	{"Storage", "Sum", []string{"kafka_messages_written", "s3_bytes_uploaded"}},
	{"Process", "Average", []string{"Goroutines", "CPUPercent", "MemoryMB"}},
}

func dashboardBody(namespace string) (string, error) {
	widgets := make([]dashboardWidget, 0, len(dashboardPanels))
	for _, p := range dashboardPanels {
		rows := make([][]string, 0, len(p.metrics))
		for _, m := range p.metrics {
			rows = append(rows, []string{namespace, m})
		}
		widgets = append(widgets, dashboardWidget{
			Type:   "metric",
			Width:  12,
			Height: 6,
			Properties: widgetProperties{
				Metrics: rows,
				Period:  60,
				Stat:    p.stat,
				Title:   p.title,
			},
		})
	}
	b, err := json.Marshal(map[string]interface{}{"widgets": widgets})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
