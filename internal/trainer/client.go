package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/envgate/envgate/internal/telemetry"
)

// JobHandle identifies a submitted training job.
type JobHandle struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// s3Uploader is the slice of the S3 client Submit needs.
type s3Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client submits training jobs. When a manifest bucket is configured, the
// resolved hyperparameters are uploaded to S3 first and the job service is
// handed the object URI; otherwise the manifest goes inline.
type Client struct {
	ServiceURL     string
	ManifestBucket string

	http     *http.Client
	uploader s3Uploader
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithManifestBucket enables S3 manifest upload.
func WithManifestBucket(bucket string) ClientOption {
	return func(c *Client) { c.ManifestBucket = bucket }
}

// WithUploader overrides the S3 client, used by tests.
func WithUploader(u s3Uploader) ClientOption {
	return func(c *Client) { c.uploader = u }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a job submission client for the given service URL.
func NewClient(serviceURL string, opts ...ClientOption) *Client {
	c := &Client{
		ServiceURL: serviceURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends the hyperparameters to the job service and returns the job
// handle. The env_hosts map must already be populated; an empty one is a
// caller error since the job would have nothing to train against.
func (c *Client) Submit(ctx context.Context, h Hyperparams) (JobHandle, error) {
	if len(h.EnvHosts) == 0 {
		return JobHandle{}, fmt.Errorf("no env hosts: expose at least one simulator before submitting")
	}
	logger := telemetry.RequestLogger(c.logger, ctx, "submit")

	manifest, err := json.Marshal(h)
	if err != nil {
		return JobHandle{}, fmt.Errorf("encoding hyperparameters: %w", err)
	}

	payload := map[string]any{"hyperparams": json.RawMessage(manifest)}
	if c.ManifestBucket != "" {
		uri, err := c.uploadManifest(ctx, manifest)
		if err != nil {
			return JobHandle{}, err
		}
		payload = map[string]any{"manifest_uri": uri}
		logger.Info("manifest uploaded", "uri", uri)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return JobHandle{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServiceURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return JobHandle{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return JobHandle{}, fmt.Errorf("submitting job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return JobHandle{}, fmt.Errorf("job service returned status %d", resp.StatusCode)
	}

	var handle JobHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return JobHandle{}, fmt.Errorf("decoding job handle: %w", err)
	}
	logger.Info("training job submitted", "job_id", handle.JobID, "status", handle.Status)
	return handle, nil
}

func (c *Client) uploadManifest(ctx context.Context, manifest []byte) (string, error) {
	up := c.uploader
	if up == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("loading AWS config: %w", err)
		}
		up = s3.NewFromConfig(cfg)
	}

	key := fmt.Sprintf("manifests/%d.json", time.Now().UnixNano())
	contentType := "application/json"
	_, err := up.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &c.ManifestBucket,
		Key:         &key,
		Body:        bytes.NewReader(manifest),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading manifest: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", c.ManifestBucket, key), nil
}
