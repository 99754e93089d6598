package s3logger_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/boogy/m2m-auth/pkg/config"
	"github.com/boogy/m2m-auth/pkg/s3logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockS3Client is a mock implementation of the S3 client
type MockS3Client struct {
	mock.Mock

	mu      sync.Mutex
	objects map[string][]byte
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	body, _ := io.ReadAll(params.Body)
	m.mu.Lock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[*params.Key] = body
	m.mu.Unlock()

	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func (m *MockS3Client) bodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, b := range m.objects {
		out = append(out, b)
	}
	return out
}

func decompressGzip(t *testing.T, data []byte) string {
	t.Helper()
	reader, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer reader.Close()
	out, err := io.ReadAll(reader)
	require.NoError(t, err)
	return string(out)
}

var fixedTime = time.Date(2025, 5, 19, 12, 30, 45, 0, time.UTC)

func testSettings() s3logger.Settings {
	return s3logger.Settings{
		Enabled:     true,
		Bucket:      "test-bucket",
		Prefix:      "logs/",
		BatchSize:   100,
		MaxBatchAge: time.Hour,
		IncludeUUID: true,
	}
}

func newTestLogger(t *testing.T, settings s3logger.Settings) (*s3logger.S3Logger, *MockS3Client) {
	t.Helper()
	client := new(MockS3Client)
	l, err := s3logger.New(context.Background(), settings,
		s3logger.WithClient(client),
		s3logger.WithClock(func() time.Time { return fixedTime }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l, client
}

func TestSettingsFromConfig(t *testing.T) {
	s := s3logger.SettingsFromConfig(&config.Config{LogToS3: true, LogBucket: "bucket", LogPrefix: "p"})
	assert.True(t, s.Enabled)
	assert.Equal(t, "bucket", s.Bucket)
	assert.Equal(t, "p", s.Prefix)
	assert.Equal(t, s3logger.DefaultBatchSize, s.BatchSize)

	s = s3logger.SettingsFromConfig(&config.Config{LogToS3: true})
	assert.False(t, s.Enabled)
}

func TestNew_Disabled(t *testing.T) {
	l, err := s3logger.New(context.Background(), s3logger.Settings{})
	require.NoError(t, err)
	assert.False(t, l.Enabled())

	n, err := l.Write([]byte("line"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, l.Flush(context.Background()))
	assert.NoError(t, l.Close(context.Background()))
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := s3logger.New(context.Background(), s3logger.Settings{Enabled: true}, s3logger.WithClient(new(MockS3Client)))
	assert.Error(t, err)
}

func TestFlush(t *testing.T) {
	l, client := newTestLogger(t, testSettings())

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		tags, err := url.ParseQuery(*in.Tagging)
		return err == nil &&
			*in.Bucket == "test-bucket" &&
			strings.HasPrefix(*in.Key, "logs/2025/05/19/") &&
			strings.HasSuffix(*in.Key, "-20250519-123045.json.gz") &&
			*in.ContentEncoding == "gzip" &&
			in.Metadata["source"] == "m2m-auth" &&
			tags.Get("source") == "m2m-auth"
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	_, _ = l.Write([]byte(`{"msg":"one"}` + "\n"))
	_, _ = l.Write([]byte(`{"msg":"two"}`))

	require.NoError(t, l.Flush(context.Background()))
	client.AssertExpectations(t)

	bodies := client.bodies()
	require.Len(t, bodies, 1)
	assert.Equal(t, "{\"msg\":\"one\"}\n{\"msg\":\"two\"}\n", decompressGzip(t, bodies[0]))

	// Nothing left to upload
	require.NoError(t, l.Flush(context.Background()))
	client.AssertNumberOfCalls(t, "PutObject", 1)
}

func TestWrite_CopiesInput(t *testing.T) {
	l, client := newTestLogger(t, testSettings())
	client.On("PutObject", mock.Anything, mock.Anything).Return(&s3.PutObjectOutput{}, nil)

	buf := []byte("original\n")
	_, _ = l.Write(buf)
	copy(buf, "mutated!\n")

	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, "original\n", decompressGzip(t, client.bodies()[0]))
}

func TestFlush_Error(t *testing.T) {
	l, client := newTestLogger(t, testSettings())
	client.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("access denied")).Once()

	_, _ = l.Write([]byte("line\n"))
	assert.Error(t, l.Flush(context.Background()))

	// The failed batch is dropped
	require.NoError(t, l.Flush(context.Background()))
	client.AssertNumberOfCalls(t, "PutObject", 1)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	settings := testSettings()
	settings.BatchSize = 2
	l, client := newTestLogger(t, settings)
	client.On("PutObject", mock.Anything, mock.Anything).Return(&s3.PutObjectOutput{}, nil)

	_, _ = l.Write([]byte("a\n"))
	_, _ = l.Write([]byte("b\n"))

	assert.Eventually(t, func() bool {
		return len(client.bodies()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClose_FlushesRemaining(t *testing.T) {
	client := new(MockS3Client)
	client.On("PutObject", mock.Anything, mock.Anything).Return(&s3.PutObjectOutput{}, nil).Once()

	l, err := s3logger.New(context.Background(), testSettings(), s3logger.WithClient(client))
	require.NoError(t, err)

	_, _ = l.Write([]byte("last words\n"))
	require.NoError(t, l.Close(context.Background()))
	// Closing twice is harmless
	require.NoError(t, l.Close(context.Background()))

	client.AssertExpectations(t)
}

func TestObjectKeyWithoutPrefixOrUUID(t *testing.T) {
	settings := testSettings()
	settings.Prefix = ""
	settings.IncludeUUID = false
	l, client := newTestLogger(t, settings)

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return *in.Key == "2025/05/19/20250519-123045.json.gz"
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	_, _ = l.Write([]byte("line\n"))
	require.NoError(t, l.Flush(context.Background()))
	client.AssertExpectations(t)
}
