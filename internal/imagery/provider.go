// Package imagery fetches satellite composites for markers and stores them
// in the blob store.
package imagery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"changeobserver/internal/blob"
	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	"changeobserver/pkg/httpx"
	logx "changeobserver/pkg/logx"
)

const (
	DefaultTokenURL   = "https://services.sentinel-hub.com/auth/realms/main/protocol/openid-connect/token"
	DefaultProcessURL = "https://services.sentinel-hub.com/api/v1/process"
	DefaultCollection = "sentinel-2-l1c"
)

type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	ProcessURL   string
	Collection   string
	// Buffer is the AOI half-width in degrees.
	Buffer float64
	// Resolution is meters per output pixel.
	Resolution float64
	Timeout    time.Duration
	// RequestsPerSecond caps calls to the process API; 0 disables the limit.
	RequestsPerSecond float64
	Retry             httpx.Policy
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.TokenURL) == "" {
		c.TokenURL = DefaultTokenURL
	}
	if strings.TrimSpace(c.ProcessURL) == "" {
		c.ProcessURL = DefaultProcessURL
	}
	if strings.TrimSpace(c.Collection) == "" {
		c.Collection = DefaultCollection
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.Resolution <= 0 {
		c.Resolution = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	return c
}

// Provider authenticates against the imagery API, fetches composites and
// uploads them. It is safe for concurrent use.
type Provider struct {
	cfg     Config
	http    *http.Client
	blob    blob.Store
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.http = c } }
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func New(cfg Config, store blob.Store, log logx.Logger, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fault.Configurationf("imagery.new", "client id and client secret must be provided")
	}
	if store == nil {
		return nil, fault.Configurationf("imagery.new", "blob store is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	p := &Provider{
		cfg:  cfg,
		blob: store,
		log:  log.With(logx.String("comp", "imagery")),
		now:  time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	if p.http == nil {
		p.http = httpx.NewClient(cfg.Timeout)
	}
	return p, nil
}

// Buffer is the configured AOI half-width.
func (p *Provider) Buffer() float64 { return p.cfg.Buffer }

// FetchLatest requests the least-cloud-cover composite of the trailing 30 days.
func (p *Provider) FetchLatest(ctx context.Context, aoi AOI) ([]byte, error) {
	w := LatestWindow(p.now())
	return p.FetchWindow(ctx, aoi, w.Start, w.End)
}

// Store uploads a PNG under key and returns its public URL.
func (p *Provider) Store(ctx context.Context, data []byte, key string) (string, error) {
	return p.blob.Put(ctx, key, data, "image/png")
}

// Latest fetches and stores the current image for c.
func (p *Provider) Latest(ctx context.Context, c marker.Coordinate) (marker.ImageReference, error) {
	aoi, err := AreaOfInterest(c, p.cfg.Buffer)
	if err != nil {
		return marker.ImageReference{}, err
	}
	now := p.now()
	return p.capture(ctx, aoi, LatestWindow(now), now)
}

// Historical fetches the four fixed snapshots for c. Windows without data
// are skipped; if every window is empty the result is a no-data error.
func (p *Provider) Historical(ctx context.Context, c marker.Coordinate) ([]marker.ImageReference, error) {
	aoi, err := AreaOfInterest(c, p.cfg.Buffer)
	if err != nil {
		return nil, err
	}
	now := p.now()
	var out []marker.ImageReference
	for _, w := range HistoricalWindows(now) {
		ref, err := p.capture(ctx, aoi, w, now)
		if errors.Is(err, fault.ErrNoData) {
			p.log.Info("no imagery for historical window", logx.String("window", w.Description), logx.String("coordinate", c.String()))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	if len(out) == 0 {
		return nil, fault.NoData("imagery.historical", errors.New("no historical imagery available"))
	}
	return out, nil
}

func (p *Provider) capture(ctx context.Context, aoi AOI, w Window, now time.Time) (marker.ImageReference, error) {
	data, err := p.FetchWindow(ctx, aoi, w.Start, w.End)
	if err != nil {
		return marker.ImageReference{}, err
	}
	key := blob.ImageKey(aoi.Center, w.KeyLabel, now)
	u, err := p.Store(ctx, data, key)
	if err != nil {
		return marker.ImageReference{}, err
	}
	return marker.ImageReference{Description: w.Description, URL: u, Key: key, Bucket: p.blob.Bucket()}, nil
}
