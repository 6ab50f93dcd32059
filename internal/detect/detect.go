// Package detect runs label detection on stored images.
package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"changeobserver/internal/blob"
	"changeobserver/internal/cloud"
	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

const (
	DefaultMinConfidence = 50
	DefaultMaxLabels     = 10
)

// ErrUnknown marks a detection whose outcome is not known because the
// provider call failed. It is never reported as an empty label set.
var ErrUnknown = errors.New("detection result unknown")

type Config struct {
	MinConfidence float32
	MaxLabels     int32
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.MaxLabels <= 0 {
		c.MaxLabels = DefaultMaxLabels
	}
	return c
}

// LabelAPI is the subset of the Rekognition client the detector needs.
type LabelAPI interface {
	DetectLabels(ctx context.Context, in *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

// Detector labels images stored in the blob store. Remote objects are
// referenced by bucket and key; local objects are sent inline.
type Detector struct {
	cfg  Config
	api  func(ctx context.Context) (LabelAPI, error)
	blob blob.Store
	log  logx.Logger
}

// New builds a detector backed by the session's Rekognition client.
func New(cfg Config, sess *cloud.Session, store blob.Store, log logx.Logger) *Detector {
	return NewWithAPI(cfg, func(ctx context.Context) (LabelAPI, error) { return sess.Rekognition(ctx) }, store, log)
}

func NewWithAPI(cfg Config, api func(ctx context.Context) (LabelAPI, error), store blob.Store, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{cfg: cfg.withDefaults(), api: api, blob: store, log: log.With(logx.String("comp", "detect"))}
}

// Detect returns label names with confidence at or above MinConfidence,
// at most MaxLabels, in provider order. Any provider failure is returned
// as a dependency error wrapping ErrUnknown.
func (d *Detector) Detect(ctx context.Context, ref marker.ImageReference) ([]string, error) {
	if ref.Key == "" {
		return nil, fault.Validationf("detect.labels", "image reference has no key")
	}
	img, err := d.image(ctx, ref)
	if err != nil {
		return nil, unknown(err)
	}
	api, err := d.api(ctx)
	if err != nil {
		return nil, unknown(err)
	}
	out, err := api.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         img,
		MaxLabels:     aws.Int32(d.cfg.MaxLabels),
		MinConfidence: aws.Float32(d.cfg.MinConfidence),
	})
	if err != nil {
		return nil, unknown(err)
	}

	labels := make([]string, 0, len(out.Labels))
	for _, l := range out.Labels {
		if len(labels) >= int(d.cfg.MaxLabels) {
			break
		}
		if l.Name == nil || aws.ToFloat32(l.Confidence) < d.cfg.MinConfidence {
			continue
		}
		labels = append(labels, *l.Name)
	}
	d.log.Debug("labels detected", logx.String("key", ref.Key), logx.Strings("labels", labels))
	return labels, nil
}

func (d *Detector) image(ctx context.Context, ref marker.ImageReference) (*types.Image, error) {
	if d.blob == nil || d.blob.Remote() {
		bucket := ref.Bucket
		if bucket == "" && d.blob != nil {
			bucket = d.blob.Bucket()
		}
		return &types.Image{S3Object: &types.S3Object{Bucket: aws.String(bucket), Name: aws.String(ref.Key)}}, nil
	}
	b, err := d.blob.Get(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	return &types.Image{Bytes: b}, nil
}

func unknown(err error) error {
	return fault.Dependency("detect.labels", fmt.Errorf("%w: %w", ErrUnknown, err))
}
