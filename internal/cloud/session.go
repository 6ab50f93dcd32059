// Package cloud owns the process-wide AWS configuration handle.
//
// Clients for S3, SNS and Rekognition are built lazily from one shared
// aws.Config the first time a component needs them and reused for the
// lifetime of the process.
package cloud

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"changeobserver/internal/fault"
)

type Config struct {
	Region string
	// Endpoint overrides the service endpoint (S3-compatible stores, localstack).
	Endpoint string
	// Static credentials; when empty the default provider chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Session is a lazily-initialized AWS handle. The zero value is not usable;
// build one with NewSession.
type Session struct {
	cfg Config

	mu     sync.Mutex
	aws    *aws.Config
	s3     *s3.Client
	sns    *sns.Client
	rekog  *rekognition.Client
	closed bool
}

func NewSession(cfg Config) *Session { return &Session{cfg: cfg} }

func (s *Session) Region() string { return s.cfg.Region }

// AWS loads the shared configuration on first use. A failed load is not
// cached so a later call can succeed.
func (s *Session) AWS(ctx context.Context) (aws.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Session) loadLocked(ctx context.Context) (aws.Config, error) {
	if s.closed {
		return aws.Config{}, fault.Configurationf("cloud.session", "session closed")
	}
	if s.aws != nil {
		return *s.aws, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if r := strings.TrimSpace(s.cfg.Region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	if s.cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, "")))
	}
	c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fault.Dependency("cloud.load_config", err)
	}
	if c.Region == "" {
		return aws.Config{}, fault.Configurationf("cloud.load_config", "aws region is not configured")
	}
	s.aws = &c
	return c, nil
}

func (s *Session) S3(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s3 != nil {
		return s.s3, nil
	}
	c, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(s.cfg.Endpoint)
	s.s3 = s3.NewFromConfig(c, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return s.s3, nil
}

func (s *Session) SNS(ctx context.Context) (*sns.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sns != nil {
		return s.sns, nil
	}
	c, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(s.cfg.Endpoint)
	s.sns = sns.NewFromConfig(c, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return s.sns, nil
}

func (s *Session) Rekognition(ctx context.Context) (*rekognition.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rekog != nil {
		return s.rekog, nil
	}
	c, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(s.cfg.Endpoint)
	s.rekog = rekognition.NewFromConfig(c, func(o *rekognition.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return s.rekog, nil
}

// Close drops the cached clients. Later calls fail with a configuration error.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.aws, s.s3, s.sns, s.rekog = nil, nil, nil, nil
	s.mu.Unlock()
}
