package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"changeobserver/internal/fault"
	logx "changeobserver/pkg/logx"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Authenticate exchanges the client credentials for a bearer token. The
// token is cached until shortly before it expires.
func (p *Provider) Authenticate(ctx context.Context) (string, error) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()

	now := p.now()
	if p.token != "" && (p.tokenExpiry.IsZero() || now.Before(p.tokenExpiry)) {
		return p.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fault.Auth("imagery.authenticate", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fault.Dependency("imagery.authenticate", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", fault.Auth("imagery.authenticate", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fault.Auth("imagery.authenticate", fmt.Errorf("decode token: %w", err))
	}
	if tr.AccessToken == "" {
		return "", fault.Auth("imagery.authenticate", fmt.Errorf("token endpoint returned no access_token"))
	}

	p.token = tr.AccessToken
	p.tokenExpiry = time.Time{}
	if tr.ExpiresIn > 0 {
		// refresh a minute early
		p.tokenExpiry = now.Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)
	}
	p.log.Debug("imagery token acquired", logx.Time("expires", p.tokenExpiry))
	return p.token, nil
}

// invalidate drops a token the API rejected.
func (p *Provider) invalidate(token string) {
	p.tokenMu.Lock()
	if p.token == token {
		p.token = ""
	}
	p.tokenMu.Unlock()
}
