// Package blob stores fetched imagery and returns publicly resolvable URLs.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"changeobserver/internal/cloud"
	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

// Store is a blob container.
type Store interface {
	// Bucket is the container identifier recorded in image references.
	Bucket() string
	// Put uploads data under key and returns its public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads an object back.
	Get(ctx context.Context, key string) ([]byte, error)
	// Remote reports whether objects live in S3, where other AWS services
	// can read them by reference.
	Remote() bool
}

type Config struct {
	Driver string // "s3" or "local"
	Bucket string
	// Dir and BaseURL configure the local driver.
	Dir     string
	BaseURL string
	// PublicURL overrides the https://{bucket}.s3.{region}.amazonaws.com prefix.
	PublicURL string
}

// Open builds the configured store. An empty bucket is a configuration error.
func Open(cfg Config, sess *cloud.Session, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fault.Configurationf("blob.open", "blob.bucket is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "blob"))
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "s3":
		if sess == nil {
			return nil, fault.Configurationf("blob.open", "s3 driver needs an aws session")
		}
		return &s3Store{bucket: cfg.Bucket, sess: sess, publicURL: cfg.PublicURL, log: log}, nil
	case "local":
		return newLocal(cfg, log)
	default:
		return nil, fault.Configurationf("blob.open", "unknown blob driver: %s", d)
	}
}

const keyTimeLayout = "20060102150405"

// ImageKey derives the object key for an image:
// images/{latitude}_{longitude}_{description}_{timestamp}.png
func ImageKey(c marker.Coordinate, description string, at time.Time) string {
	return fmt.Sprintf("images/%s_%s_%s_%s.png",
		formatFloat(c.Latitude), formatFloat(c.Longitude), description, at.UTC().Format(keyTimeLayout))
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// escapeKey path-escapes each segment so descriptions with spaces stay resolvable.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
