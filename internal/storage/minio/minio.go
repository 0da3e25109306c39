package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/service/logger"
	"github.com/dgurram/decoy/internal/storage"
	"github.com/dgurram/decoy/internal/util"
)

// MinioClient wraps the MinIO SDK client. Result artifacts and exported
// worker sessions are stored as objects in the jobs bucket.
type MinioClient struct {
	client     *minio.Client
	transport  *http.Transport
	jobsBucket string
}

var (
	m         *MinioClient
	once      sync.Once
	initError error
)

// NewMinioClient initializes and returns the shared MinIO client.
func NewMinioClient() (storage.Storage, error) {
	once.Do(func() {
		cfg, err := config.GetMinioConfig()
		if err != nil {
			initError = err
			return
		}

		transport := &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,

			DisableCompression: true,
			DisableKeepAlives:  false,
		}

		cli, err := minio.New(cfg.URL, &minio.Options{
			Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
			Secure:    cfg.USE_SSL,
			Transport: transport,
		})
		if err != nil {
			initError = err
			return
		}

		m = &MinioClient{client: cli, transport: transport, jobsBucket: cfg.JOBS_BUCKET}
	})

	if initError != nil {
		return nil, initError
	}
	return m, nil
}

// Upload stores an object in the given bucket.
func (m *MinioClient) Upload(ctx context.Context, bucket string, objectPath string, data []byte) error {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Upload")
	defer span.End()

	if bucket == "" {
		err := fmt.Errorf("bucket is empty")
		util.RecordSpanError(span, err)
		return err
	}

	if objectPath == "" {
		err := fmt.Errorf("object path is empty")
		util.RecordSpanError(span, err)
		return err
	}

	// upload
	reader := bytes.NewReader(data)

	_, err := m.client.PutObject(ctx, bucket, objectPath, reader, -1, minio.PutObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	return nil
}

// Download fetches an object from the given bucket.
func (m *MinioClient) Download(ctx context.Context, bucket string, objectPath string) ([]byte, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Download")
	defer span.End()

	if bucket == "" {
		err := fmt.Errorf("bucket is empty")
		util.RecordSpanError(span, err)
		return nil, err
	}

	if objectPath == "" {
		err := fmt.Errorf("object path is empty")
		util.RecordSpanError(span, err)
		return nil, err
	}

	// Get the object
	object, err := m.client.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	// check if the object exists
	if _, err := object.Stat(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	// Read all bytes
	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return data, nil
}

// GetJobsBucket returns the bucket job artifacts are written to.
func (m *MinioClient) GetJobsBucket() string {
	return m.jobsBucket
}

func (m *MinioClient) Close() {
	m.transport.CloseIdleConnections()
}

func (m *MinioClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		logger.Log.Err(ctx.Err()).Msg("minio shutdown interrupted")
	}
}
