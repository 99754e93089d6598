package s3logger

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/version"
	"github.com/google/uuid"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultRetries      = 3
	DefaultBatchSize    = 50
	DefaultMaxBatchWait = 30 * time.Second
)

// S3API is the subset of the S3 client used by the logger
type S3API interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Settings describes where log batches are written.
type Settings struct {
	Enabled bool
	Bucket  string
	Prefix  string

	Timeout     time.Duration
	MaxRetries  int
	BatchSize   int           // Lines buffered before a flush is requested
	MaxBatchAge time.Duration // Flush interval for partially filled batches
	IncludeUUID bool
	ExtraTags   map[string]string
}

// SettingsFromConfig maps the service configuration to logger settings
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Enabled:     cfg.LogToS3 && cfg.LogBucket != "",
		Bucket:      cfg.LogBucket,
		Prefix:      cfg.LogPrefix,
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultRetries,
		BatchSize:   DefaultBatchSize,
		MaxBatchAge: DefaultMaxBatchWait,
		IncludeUUID: true,
	}
}

// S3Logger is an io.Writer that ships log lines to S3 as gzip compressed
// batches. It is meant to sit behind a slog handler next to stdout.
//
// Write never performs I/O and never logs: slog handlers serialize writes
// under their own lock, so uploading from inside Write could deadlock on the
// logger's own error reporting. Uploads happen in Flush, which is called by the
// background loop, after each Lambda invocation and on Close.
type S3Logger struct {
	settings Settings
	client   S3API
	now      func() time.Time

	mu    sync.Mutex
	batch [][]byte

	full    chan struct{}
	done    chan struct{}
	stopped sync.WaitGroup
	closeMu sync.Once
}

// Option configures an S3Logger
type Option func(*S3Logger)

// WithClient sets the S3 client instead of loading the default AWS config
func WithClient(client S3API) Option {
	return func(l *S3Logger) {
		l.client = client
	}
}

// WithClock overrides time.Now for object keys and metadata
func WithClock(now func() time.Time) Option {
	return func(l *S3Logger) {
		l.now = now
	}
}

// New creates a logger. When settings are disabled the logger discards everything
// and never touches AWS.
func New(ctx context.Context, settings Settings, opts ...Option) (*S3Logger, error) {
	if settings.BatchSize <= 0 {
		settings.BatchSize = DefaultBatchSize
	}
	if settings.MaxBatchAge <= 0 {
		settings.MaxBatchAge = DefaultMaxBatchWait
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	l := &S3Logger{
		settings: settings,
		now:      time.Now,
		full:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if !settings.Enabled {
		return l, nil
	}

	if settings.Bucket == "" {
		return nil, errors.New("log bucket is required")
	}

	if l.client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(settings.MaxRetries))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config for S3 logger: %w", err)
		}
		l.client = s3.NewFromConfig(awsCfg)
	}

	l.stopped.Add(1)
	go l.loop()

	return l, nil
}

// Enabled reports whether log lines are being shipped
func (l *S3Logger) Enabled() bool {
	return l.settings.Enabled
}

// Write buffers a copy of p.
func (l *S3Logger) Write(p []byte) (int, error) {
	if !l.settings.Enabled || len(p) == 0 {
		return len(p), nil
	}

	line := bytes.Clone(p)

	l.mu.Lock()
	l.batch = append(l.batch, line)
	full := len(l.batch) >= l.settings.BatchSize
	l.mu.Unlock()

	if full {
		select {
		case l.full <- struct{}{}:
		default:
		}
	}

	return len(p), nil
}

// Flush uploads everything buffered so far as one object. On failure the lines
// are dropped so a broken bucket cannot grow memory without bound.
func (l *S3Logger) Flush(ctx context.Context) error {
	if !l.settings.Enabled {
		return nil
	}

	l.mu.Lock()
	batch := l.batch
	l.batch = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, line := range batch {
		buf.Write(line)
		if !bytes.HasSuffix(line, []byte("\n")) {
			buf.WriteByte('\n')
		}
	}

	compressed, err := compressGzip(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress log data: %w", err)
	}

	return l.put(ctx, l.objectKey(), compressed)
}

// Close stops the background loop and flushes what is left
func (l *S3Logger) Close(ctx context.Context) error {
	l.closeMu.Do(func() {
		close(l.done)
	})
	l.stopped.Wait()
	return l.Flush(ctx)
}

func (l *S3Logger) loop() {
	defer l.stopped.Done()

	ticker := time.NewTicker(l.settings.MaxBatchAge)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		case <-l.full:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.settings.Timeout)
		if err := l.Flush(ctx); err != nil {
			slog.Error("Failed to flush log batch", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// objectKey builds <prefix>/<yyyy>/<mm>/<dd>/<uuid>-<yyyymmdd-hhmmss>.json.gz
func (l *S3Logger) objectKey() string {
	now := l.now().UTC()

	var parts []string
	if prefix := strings.Trim(l.settings.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, now.Format("2006/01/02"))

	filename := now.Format("20060102-150405")
	if l.settings.IncludeUUID {
		filename = uuid.NewString() + "-" + filename
	}

	return strings.Join(append(parts, filename+".json.gz"), "/")
}

func (l *S3Logger) put(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, l.settings.Timeout)
	defer cancel()

	metadata := map[string]string{
		"source":     version.BinName,
		"version":    version.Version,
		"created-at": l.now().UTC().Format(time.RFC3339),
	}
	maps.Copy(metadata, l.settings.ExtraTags)

	tags := url.Values{}
	for k, v := range metadata {
		tags.Set(k, v)
	}

	_, err := l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(l.settings.Bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(body),
		ContentType:       aws.String("application/x-ndjson"),
		ContentEncoding:   aws.String("gzip"),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Tagging:           aws.String(tags.Encode()),
		Metadata:          metadata,
	})
	if err != nil {
		slog.Error("Failed to write logs to S3",
			slog.String("bucket", l.settings.Bucket),
			slog.String("key", key),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to write logs to S3: %w", err)
	}

	slog.Debug("Wrote logs to S3",
		slog.String("bucket", l.settings.Bucket),
		slog.String("key", key),
		slog.Int("bytes", len(body)))

	return nil
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write to gzip writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}
