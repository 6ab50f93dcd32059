package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"changeobserver/internal/cloud"
	"changeobserver/internal/fault"
	logx "changeobserver/pkg/logx"
)

type s3Store struct {
	bucket    string
	publicURL string
	sess      *cloud.Session
	log       logx.Logger
}

func (s *s3Store) Bucket() string { return s.bucket }
func (s *s3Store) Remote() bool   { return true }

func (s *s3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	client, err := s.sess.S3(ctx)
	if err != nil {
		return "", err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fault.Dependency("blob.put", err)
	}
	u := s.url(key)
	s.log.Debug("object stored", logx.String("key", key), logx.Int("bytes", len(data)))
	return u, nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := s.sess.S3(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fault.Dependency("blob.get", err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Dependency("blob.get", err)
	}
	return b, nil
}

func (s *s3Store) url(key string) string {
	if base := strings.TrimRight(strings.TrimSpace(s.publicURL), "/"); base != "" {
		return base + "/" + escapeKey(key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.sess.Region(), escapeKey(key))
}
