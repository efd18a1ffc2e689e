package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"cryptofeed/config"
	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotWriter keeps the latest order book per symbol from the event
// stream and uploads them to S3 as parquet on every flush interval. Symbols
// without an update since the previous flush are skipped.
type SnapshotWriter struct {
	cfg      config.S3Config
	exchange string
	version  string
	events   <-chan models.Event
	client   objectPutter
	now      func() time.Time

	mu     sync.Mutex
	latest map[string]models.OrderBook

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	uploaded int64
	failed   int64
	log      *logger.Log
}

func NewSnapshotWriter(ctx context.Context, cfg *config.Config, events <-chan models.Event) (*SnapshotWriter, error) {
	s3cfg := cfg.Storage.S3
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if s3cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(s3cfg.Region))
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	w := newSnapshotWriter(cfg, events, client)
	log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("s3 writer initialized")
	return w, nil
}

func newSnapshotWriter(cfg *config.Config, events <-chan models.Event, client objectPutter) *SnapshotWriter {
	return &SnapshotWriter{
		cfg:      cfg.Storage.S3,
		exchange: cfg.Exchange.Name,
		version:  cfg.Cryptofeed.Version,
		events:   events,
		client:   client,
		now:      time.Now,
		latest:   make(map[string]models.OrderBook),
		log:      logger.GetLogger(),
	}
}

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return errors.New("s3 writer already running")
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.collect(ctx)
	go w.flushLoop(ctx)

	w.log.WithComponent("s3_writer").WithFields(logger.Fields{"flush_interval": w.cfg.FlushInterval}).Info("s3 writer started")
	return nil
}

// Stop ends collection and uploads whatever is still buffered.
func (w *SnapshotWriter) Stop() {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.runMu.Unlock()

	cancel()
	w.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	w.flush(ctx, "shutdown")

	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"uploaded": atomic.LoadInt64(&w.uploaded),
		"failed":   atomic.LoadInt64(&w.failed),
	}).Info("s3 writer stopped")
}

func (w *SnapshotWriter) Uploaded() int64 { return atomic.LoadInt64(&w.uploaded) }

func (w *SnapshotWriter) collect(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.add(ev)
		}
	}
}

func (w *SnapshotWriter) add(ev models.Event) {
	books, ok := ev.Payload.(map[string]models.OrderBook)
	if !ok {
		return
	}
	w.mu.Lock()
	for symbol, book := range books {
		w.latest[symbol] = book
	}
	w.mu.Unlock()
}

func (w *SnapshotWriter) flushLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx, "interval")
		}
	}
}

func (w *SnapshotWriter) flush(ctx context.Context, reason string) {
	w.mu.Lock()
	books := w.latest
	w.latest = make(map[string]models.OrderBook)
	w.mu.Unlock()

	if len(books) == 0 {
		return
	}

	symbols := make([]string, 0, len(books))
	for s := range books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"books":  len(books),
		"reason": reason,
	}).Debug("flushing order books")

	for _, symbol := range symbols {
		if err := w.upload(ctx, books[symbol]); err != nil {
			atomic.AddInt64(&w.failed, 1)
			w.log.WithComponent("s3_writer").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
				"bucket": w.cfg.Bucket,
			}).Error("failed to archive order book")
			continue
		}
		atomic.AddInt64(&w.uploaded, 1)
	}
}

func (w *SnapshotWriter) upload(ctx context.Context, book models.OrderBook) error {
	data, err := encodeParquet(bookRecords(w.exchange, book), w.cfg.Compression)
	if err != nil {
		return err
	}

	key := w.objectKey(book.Symbol, w.now())
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.cfg.Compression,
			"cryptofeed-version": w.version,
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", w.cfg.Bucket, key, err)
	}

	metrics.EmitMetric(w.log, "s3_writer", "s3_bytes_uploaded", len(data), "counter", logger.Fields{
		"symbol": book.Symbol,
	})
	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Debug("order book archived")
	return nil
}

// objectKey lays files out as
// <prefix>/exchange=<ex>/symbol=<BASE-QUOTE>/<yyyy>/<mm>/<dd>/<hh>/<file>.parquet.
func (w *SnapshotWriter) objectKey(symbol string, ts time.Time) string {
	ts = ts.UTC()
	sym := strings.ReplaceAll(symbol, "/", "-")
	name := fmt.Sprintf("%s_book_%s_%s_%s.parquet",
		w.exchange, sym, ts.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		w.cfg.Prefix,
		"exchange="+w.exchange,
		"symbol="+sym,
		ts.Format("2006/01/02/15"),
		name,
	)
}
