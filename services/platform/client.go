package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Press API methods.
const (
	methodSiteNew      = "press.api.site.new"
	methodUploadApp    = "press.api.marketplace.upload_app"
	methodInstallApp   = "press.api.site.install_app"
	methodSiteGet      = "press.api.site.get"
	methodListApps     = "press.api.marketplace.get_marketplace_apps"
	methodJobStatus    = "press.api.site.get_job_status"
	defaultPlan        = "free"
	defaultRegion      = "mumbai"
	defaultAppVersion  = "latest"
	defaultHTTPTimeout = 60 * time.Second
)

// SiteStatusActive is reported once a site is ready for app installs.
const SiteStatusActive = "Active"

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Region    string
	Plan      string
	// TempDir receives upload archives. It defaults to os.TempDir().
	TempDir    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the Frappe Cloud press API. Calls are synchronous and never retried.
type Client struct {
	r       *req.Req
	baseURL string
	header  req.Header
	region  string
	plan    string
	tempDir string
	logger  zerolog.Logger
}

// Site is the subset of site data the pipeline needs.
type Site struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Raw    string `json:"-"`
}

// App is a marketplace app listing entry.
type App struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// New constructs a client. BaseURL, APIKey and APISecret are required.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("platform base url is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("platform api key and secret are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	r := req.New()
	r.SetClient(httpClient)

	c := &Client{
		r:       r,
		baseURL: base,
		header: req.Header{
			"Authorization": fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.APISecret),
			"Accept":        "application/json",
		},
		region:  cfg.Region,
		plan:    cfg.Plan,
		tempDir: cfg.TempDir,
		logger:  cfg.Logger,
	}
	if c.region == "" {
		c.region = defaultRegion
	}
	if c.plan == "" {
		c.plan = defaultPlan
	}
	if c.tempDir == "" {
		c.tempDir = os.TempDir()
	}
	return c, nil
}

func (c *Client) endpoint(method string) string {
	return c.baseURL + "/api/method/" + method
}

// call performs one request and returns the decoded body. Transport failures
// and non-2xx statuses become *APIError.
func (c *Client) call(ctx context.Context, httpMethod, method string, args ...any) (gjson.Result, error) {
	if c == nil {
		return gjson.Result{}, errors.New("nil client")
	}
	endpoint := c.endpoint(method)
	params := append([]any{c.header, ctx}, args...)

	start := time.Now()
	resp, err := c.r.Do(httpMethod, endpoint, params...)
	if err != nil {
		return gjson.Result{}, &APIError{Endpoint: method, Err: err}
	}

	body := resp.Bytes()
	status := resp.Response().StatusCode
	c.logger.Debug().
		Str("endpoint", method).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("platform call")

	if status < 200 || status > 299 {
		return gjson.Result{}, &APIError{Endpoint: method, StatusCode: status, Payload: string(body)}
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		return gjson.Result{}, &APIError{Endpoint: method, StatusCode: status, Payload: string(body), Err: errors.New("invalid json response")}
	}
	return gjson.ParseBytes(body), nil
}

func siteFrom(result gjson.Result, fallbackName string) *Site {
	msg := result.Get("message")
	site := &Site{
		Name:   msg.Get("name").String(),
		Status: msg.Get("status").String(),
		Raw:    result.Raw,
	}
	if site.Name == "" {
		site.Name = fallbackName
	}
	return site
}

// CreateSite requests a new site on the configured cluster. An empty plan uses the default plan.
func (c *Client) CreateSite(ctx context.Context, name, plan string) (*Site, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if plan == "" {
		plan = c.plan
	}
	result, err := c.call(ctx, http.MethodPost, methodSiteNew, req.BodyJSON(map[string]string{
		"subdomain": name,
		"plan":      plan,
		"cluster":   c.region,
	}))
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("site", name).Str("plan", plan).Str("cluster", c.region).Msg("site created")
	return siteFrom(result, name), nil
}

// GetSiteInfo fetches a site's current state.
func (c *Client) GetSiteInfo(ctx context.Context, name string) (*Site, error) {
	result, err := c.call(ctx, http.MethodGet, methodSiteGet, req.QueryParam{"name": name})
	if err != nil {
		return nil, err
	}
	return siteFrom(result, name), nil
}

// InstallApp installs an uploaded app on a site. An empty version installs the latest release.
func (c *Client) InstallApp(ctx context.Context, site, app, version string) (string, error) {
	if version == "" {
		version = defaultAppVersion
	}
	result, err := c.call(ctx, http.MethodPost, methodInstallApp, req.BodyJSON(map[string]string{
		"name":    site,
		"app":     app,
		"version": version,
	}))
	if err != nil {
		return "", err
	}
	c.logger.Info().Str("site", site).Str("app", app).Str("version", version).Msg("app installed")
	return result.Get("message").String(), nil
}

// UploadApp archives appDir into a temporary tar.gz and uploads it to the
// marketplace. The temporary archive is always removed.
func (c *Client) UploadApp(ctx context.Context, appDir, appName string) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}
	archive := filepath.Join(c.tempDir, fmt.Sprintf("%s-%s.tar.gz", appName, uuid.NewString()))
	defer os.Remove(archive)

	if err := writeTarGz(ctx, archive, appDir, appName); err != nil {
		return "", fmt.Errorf("archive app: %w", err)
	}
	file, err := os.Open(archive)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	result, err := c.call(ctx, http.MethodPost, methodUploadApp,
		req.Param{"app_name": appName},
		req.FileUpload{File: file, FieldName: "file", FileName: filepath.Base(archive)},
	)
	if err != nil {
		return "", err
	}
	c.logger.Info().Str("app", appName).Msg("app uploaded")
	return result.Get("message").String(), nil
}

// ListApps lists marketplace apps.
func (c *Client) ListApps(ctx context.Context) ([]App, error) {
	result, err := c.call(ctx, http.MethodGet, methodListApps)
	if err != nil {
		return nil, err
	}
	apps := []App{}
	result.Get("message").ForEach(func(_, value gjson.Result) bool {
		apps = append(apps, App{Name: value.Get("name").String(), Title: value.Get("title").String()})
		return true
	})
	return apps, nil
}

// GetJobStatus reports the status of a press background job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	result, err := c.call(ctx, http.MethodGet, methodJobStatus, req.QueryParam{"job_id": jobID})
	if err != nil {
		return "", err
	}
	return result.Get("message.status").String(), nil
}
