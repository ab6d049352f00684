// Package crm is the remote CRM's HTTP surface: OAuth token endpoints, resource reads and writes,
// and the paginated list endpoints the sync orchestrator drains.
package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const DefaultAPIVersion = "2021-07-28"

type Config struct {
	BaseURL          string
	TokenURL         string
	LocationTokenURL string
	APIVersion       string
}

// Client calls the remote CRM. The HTTP client is injected so tests can point it at a fake upstream.
type Client struct {
	http   *httpclient.Client
	cfg    Config
	logger ectologger.Logger
}

func NewClient(client *httpclient.Client, cfg Config, logger ectologger.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = cfg.BaseURL + "/oauth/token"
	}
	if cfg.LocationTokenURL == "" {
		cfg.LocationTokenURL = cfg.BaseURL + "/oauth/locationToken"
	}
	return &Client{http: client, cfg: cfg, logger: logger}
}

// TokenResponse is returned by both token endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	UserType     string `json:"userType"`
	CompanyID    string `json:"companyId"`
	LocationID   string `json:"locationId"`
}

// ExchangeToken posts a form-encoded grant to the OAuth token endpoint.
// Non-2xx responses are returned as *httpclient.StatusError.
func (c *Client) ExchangeToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.ExchangeToken")
	defer span.End()

	resp, err := c.http.PostForm(ctx, c.cfg.TokenURL, form, nil)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		err := httpclient.NewStatusError(http.MethodPost, c.cfg.TokenURL, resp)
		tracing.Fail(span, err)
		return nil, err
	}

	var token TokenResponse
	if err := resp.Decode(&token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response from %s has no access_token", c.cfg.TokenURL)
	}
	return &token, nil
}

// LocationToken exchanges an agency token for a location-scoped token.
func (c *Client) LocationToken(ctx context.Context, agencyToken, companyID, locationID string) (*TokenResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.LocationToken")
	defer span.End()

	form := url.Values{}
	form.Set("companyId", companyID)
	form.Set("locationId", locationID)

	resp, err := c.http.PostForm(ctx, c.cfg.LocationTokenURL, form, c.headers(agencyToken))
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		err := httpclient.NewStatusError(http.MethodPost, c.cfg.LocationTokenURL, resp)
		tracing.Fail(span, err)
		return nil, err
	}

	var token TokenResponse
	if err := resp.Decode(&token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("location token response has no access_token")
	}
	return &token, nil
}

func (c *Client) headers(token string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + token,
		"Version":       c.cfg.APIVersion,
		"Accept":        "application/json",
	}
}

func (c *Client) url(format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, arg := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(arg))
	}
	return c.cfg.BaseURL + fmt.Sprintf(format, escaped...)
}

// get decodes a 2xx JSON response into v. Other statuses are returned as *httpclient.StatusError.
func (c *Client) get(ctx context.Context, token, target string, v any) error {
	resp, err := c.http.Get(ctx, target, c.headers(token))
	if err != nil {
		return err
	}
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		return httpclient.NewStatusError(http.MethodGet, target, resp)
	}
	return resp.Decode(v)
}

func (c *Client) send(ctx context.Context, method, token, target string, body, v any) error {
	var (
		resp *httpclient.Response
		err  error
	)
	if method == http.MethodPut {
		resp, err = c.http.PutJSON(ctx, target, body, c.headers(token))
	} else {
		resp, err = c.http.PostJSON(ctx, target, body, c.headers(token))
	}
	if err != nil {
		return err
	}
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		return httpclient.NewStatusError(method, target, resp)
	}
	if v == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(v)
}
