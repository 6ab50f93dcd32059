package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"changeobserver/internal/fault"
	"changeobserver/pkg/httpx"
	logx "changeobserver/pkg/logx"
)

// trueColor renders bands B04/B03/B02 with a fixed gain.
const trueColor = `//VERSION=3
function setup() {
  return {
    input: ["B02", "B03", "B04"],
    output: { bands: 3 }
  };
}

function evaluatePixel(sample) {
  return [2.5 * sample.B04, 2.5 * sample.B03, 2.5 * sample.B02];
}
`

const wgs84 = "http://www.opengis.net/def/crs/EPSG/0/4326"

type processRequest struct {
	Input      processInput  `json:"input"`
	Output     processOutput `json:"output"`
	Evalscript string        `json:"evalscript"`
}

type processInput struct {
	Bounds processBounds `json:"bounds"`
	Data   []processData `json:"data"`
}

type processBounds struct {
	BBox       [4]float64 `json:"bbox"`
	Properties struct {
		CRS string `json:"crs"`
	} `json:"properties"`
}

type processData struct {
	Type       string `json:"type"`
	DataFilter struct {
		TimeRange struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"timeRange"`
		MosaickingOrder string `json:"mosaickingOrder"`
	} `json:"dataFilter"`
}

type processOutput struct {
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Responses []processResponse `json:"responses"`
}

type processResponse struct {
	Identifier string `json:"identifier"`
	Format     struct {
		Type string `json:"type"`
	} `json:"format"`
}

func (p *Provider) buildRequest(aoi AOI, start, end time.Time) processRequest {
	var r processRequest
	r.Evalscript = trueColor
	r.Input.Bounds.BBox = aoi.BBox()
	r.Input.Bounds.Properties.CRS = wgs84

	var d processData
	d.Type = p.cfg.Collection
	d.DataFilter.TimeRange.From = start.UTC().Format(time.RFC3339)
	d.DataFilter.TimeRange.To = end.UTC().Format(time.RFC3339)
	d.DataFilter.MosaickingOrder = "leastCC"
	r.Input.Data = []processData{d}

	r.Output.Width, r.Output.Height = aoi.Dimensions(p.cfg.Resolution)
	var resp processResponse
	resp.Identifier = "default"
	resp.Format.Type = "image/png"
	r.Output.Responses = []processResponse{resp}
	return r
}

// FetchWindow requests a least-cloud-cover PNG composite over [start, end].
// Transport and auth failures are dependency errors; an empty or blank
// composite is a no-data error.
func (p *Provider) FetchWindow(ctx context.Context, aoi AOI, start, end time.Time) ([]byte, error) {
	if !end.After(start) {
		return nil, fault.Validationf("imagery.fetch_window", "window end %s is not after start %s", end, start)
	}
	body, err := json.Marshal(p.buildRequest(aoi, start, end))
	if err != nil {
		return nil, fault.Dependency("imagery.fetch_window", err)
	}

	var data []byte
	err = httpx.Retry(ctx, p.cfg.Retry, func() error {
		var ferr error
		data, ferr = p.process(ctx, body)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fault.NoData("imagery.fetch_window", fmt.Errorf("empty composite for %s..%s", start.Format("2006-01-02"), end.Format("2006-01-02")))
	}
	blank, err := isBlank(data)
	if err != nil {
		return nil, fault.Dependency("imagery.fetch_window", fmt.Errorf("decode composite: %w", err))
	}
	if blank {
		return nil, fault.NoData("imagery.fetch_window", fmt.Errorf("blank composite for %s..%s", start.Format("2006-01-02"), end.Format("2006-01-02")))
	}
	return data, nil
}

// process performs one POST. Errors that retrying cannot fix are wrapped
// with httpx.Permanent.
func (p *Provider) process(ctx context.Context, body []byte) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, httpx.Permanent(fault.Dependency("imagery.process", err))
		}
	}
	token, err := p.Authenticate(ctx)
	if err != nil {
		return nil, httpx.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ProcessURL, bytes.NewReader(body))
	if err != nil {
		return nil, httpx.Permanent(fault.Dependency("imagery.process", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	started := p.now()
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fault.Dependency("imagery.process", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Dependency("imagery.process", err)
	}
	p.log.Debug("process request done", logx.Int("status", resp.StatusCode), logx.Int("bytes", len(data)), logx.Duration("took", p.now().Sub(started)))

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		p.invalidate(token)
		return nil, fault.Auth("imagery.process", fmt.Errorf("process API returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		err := fault.Dependency("imagery.process", fmt.Errorf("process API returned %d: %s", resp.StatusCode, snippet(data)))
		if httpx.RetryableStatus(resp.StatusCode) {
			return nil, err
		}
		return nil, httpx.Permanent(err)
	}
	return data, nil
}

// isBlank reports whether every pixel of the PNG is black or transparent,
// which is what the process API returns when no scene covers the window.
func isBlank(data []byte) (bool, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	return allZero(img), nil
}

func allZero(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r|g|bl != 0 {
				return false
			}
		}
	}
	return true
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
