package invokeai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"resty.dev/v3"

	"aperture-server/services/gallery-api/internal/config"
	"aperture-server/services/gallery-api/internal/domain/generation"
	"aperture-server/services/gallery-api/internal/domain/modelcache"
	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

const (
	defaultQueueID    = "default"
	availabilityTTL   = 5 * time.Second
	pollPageSize      = 100
	metadataTokenName = "correlation_token"
)

// Client talks to an InvokeAI instance over its HTTP API. It implements the
// generation backend contract plus the model cache fetcher.
type Client struct {
	http *resty.Client
	cfg  *config.Config
	log  zerolog.Logger

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

var (
	_ generation.Backend    = (*Client)(nil)
	_ generation.Connection = (*Client)(nil)
	_ modelcache.Fetcher    = (*Client)(nil)
)

func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.InvokeAIBaseURL, "/")).
		SetTimeout(cfg.InvokeAITimeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if cfg.InvokeAIAPIKey != "" {
		http.SetHeader("Authorization", "Bearer "+cfg.InvokeAIAPIKey)
	}
	return &Client{
		http: http,
		cfg:  cfg,
		log:  log.With().Str("component", "invokeai-client").Logger(),
	}
}

// Mode reports whether the configured instance is a local pod or a remote
// shared deployment.
func (c *Client) Mode() string {
	return c.cfg.InvokeAIMode
}

// Available probes the instance version endpoint. The result is cached
// briefly so dispatch paths do not hammer the backend.
func (c *Client) Available() bool {
	c.mu.Lock()
	if time.Since(c.lastProbe) < availabilityTTL {
		healthy := c.lastHealthy
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get("/api/v1/app/version")
	healthy := err == nil && resp.StatusCode() == http.StatusOK

	c.mu.Lock()
	c.lastProbe = time.Now()
	c.lastHealthy = healthy
	c.mu.Unlock()
	return healthy
}

type enqueueBatchResponse struct {
	Batch struct {
		BatchID string `json:"batch_id"`
	} `json:"batch"`
	Enqueued int `json:"enqueued"`
}

// Submit enqueues a prepared graph and returns the backend's own batch id.
func (c *Client) Submit(ctx context.Context, req *generation.InvocationRequest) (string, error) {
	var result enqueueBatchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req.Payload).
		SetResult(&result).
		Post(fmt.Sprintf("/api/v1/queue/%s/enqueue_batch", defaultQueueID))
	if err != nil {
		return "", platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeConnection,
			"could not reach generation backend",
			err, "fd30a8c1-6e92-4b57-a2d4-08c7e5f16b39")
	}
	if resp.StatusCode() >= 400 {
		return "", c.submitError(ctx, resp)
	}

	c.log.Debug().
		Str("backend_batch_id", result.Batch.BatchID).
		Int("enqueued", result.Enqueued).
		Str("token", req.Token).
		Msg("batch enqueued")
	return result.Batch.BatchID, nil
}

type backendErrorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// submitError maps a non-2xx enqueue response onto the submission taxonomy.
func (c *Client) submitError(ctx context.Context, resp *resty.Response) error {
	detail := string(resp.Bytes())
	var body backendErrorBody
	if err := json.Unmarshal(resp.Bytes(), &body); err == nil && len(body.Detail) > 0 {
		detail = string(body.Detail)
	}

	errType := platformerrors.ErrorTypeInvokeUnknown
	msg := "generation backend rejected the batch"
	switch code := resp.StatusCode(); {
	case code == http.StatusUnprocessableEntity:
		errType = platformerrors.ErrorTypeInvokeParameter
		msg = "generation backend rejected batch parameters"
	case code == http.StatusBadRequest:
		errType = platformerrors.ErrorTypeInvokeGraph
		msg = "generation backend rejected the graph"
	case code == http.StatusServiceUnavailable || code == http.StatusInsufficientStorage || code == http.StatusTooManyRequests:
		errType = platformerrors.ErrorTypeInvokeResource
		msg = "generation backend is out of capacity"
	case code >= 500:
		errType = platformerrors.ErrorTypeInvokeUnknown
		msg = fmt.Sprintf("generation backend failed with status %d", code)
	}

	return platformerrors.NewErrorWithContext(ctx, platformerrors.LayerInfrastructure,
		errType, msg, nil, "84c2f0d9-17a5-4e68-b3c1-d90e6a25f748", map[string]any{
			"status": resp.StatusCode(),
			"detail": detail,
		})
}

type imageListResponse struct {
	Items []imageListItem `json:"items"`
	Total int             `json:"total"`
}

type imageListItem struct {
	ImageName string          `json:"image_name"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

// PollImages lists images created after the watermark, oldest first so the
// correlator sees arrivals in generation order.
func (c *Client) PollImages(ctx context.Context, since time.Time) ([]generation.ImageEvent, error) {
	var result imageListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"order_dir": "DESC",
			"limit":     fmt.Sprintf("%d", pollPageSize),
			"offset":    "0",
		}).
		SetResult(&result).
		Get("/api/v1/images/")
	if err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeConnection,
			"could not poll generation backend for images",
			err, "b67e1d04-f5a8-4c29-83b6-0a2d9c7e54f1")
	}
	if resp.StatusCode() >= 400 {
		return nil, platformerrors.NewErrorWithContext(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeUnknown,
			"image poll failed",
			nil, "29d5c8f3-0a71-4e46-b92d-68f0c3a1e5b7", map[string]any{
				"status": resp.StatusCode(),
			})
	}

	events := make([]generation.ImageEvent, 0, len(result.Items))
	for _, item := range result.Items {
		if !item.CreatedAt.After(since) {
			continue
		}
		events = append(events, generation.ImageEvent{
			InvokeID:  item.ImageName,
			Token:     extractToken(item.Metadata),
			Width:     item.Width,
			Height:    item.Height,
			CreatedAt: item.CreatedAt,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

// extractToken pulls the correlation token out of the image metadata the
// backend copied from the graph. Missing or unparsable metadata yields an
// empty token and the image falls back to timestamp correlation.
func extractToken(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	if token, ok := meta[metadataTokenName].(string); ok {
		return token
	}
	return ""
}

// FetchImage downloads the full-resolution image bytes.
func (c *Client) FetchImage(ctx context.Context, invokeID string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "*/*").
		Get(fmt.Sprintf("/api/v1/images/i/%s/full", invokeID))
	if err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeConnection,
			"could not reach generation backend for image download",
			err, "c3a81f29-d607-4b54-9e82-15f4d0c6a793")
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeNotFound,
			"image no longer exists on the generation backend",
			nil, "f09d6b32-41c8-4e75-a8d0-2c5e917f38a4")
	case code >= 500:
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeRetrieval,
			fmt.Sprintf("image download failed with status %d", code),
			nil, "61e7a4d0-9c25-4f83-b471-08d3f6c2e9a5")
	case code >= 400:
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeUnknown,
			fmt.Sprintf("image download rejected with status %d", code),
			nil, "7b40c9e6-2d18-4a57-96f3-e81c0d5a42b6")
	}
	body := resp.Bytes()
	if len(body) == 0 {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeRetrieval,
			"image download returned an empty body",
			nil, "d85f2c17-63b9-4e04-a7c8-90e1f4b6d253")
	}
	return body, nil
}

type modelListResponse struct {
	Models []modelRecord `json:"models"`
}

type modelRecord struct {
	Key             string         `json:"key"`
	Hash            string         `json:"hash"`
	Name            string         `json:"name"`
	Base            string         `json:"base"`
	Type            string         `json:"type"`
	DefaultSettings map[string]any `json:"default_settings"`
}

// ListModels fetches the backend's installed models. Compatible VAEs are
// derived by base architecture since the backend does not pair them
// explicitly.
func (c *Client) ListModels(ctx context.Context) ([]modelcache.Model, error) {
	var result modelListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v2/models/")
	if err != nil {
		return nil, platformerrors.NewError(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeConnection,
			"could not fetch models from generation backend",
			err, "42f6d1a8-c095-4e37-8b2d-71c4e0f9a386")
	}
	if resp.StatusCode() >= 400 {
		return nil, platformerrors.NewErrorWithContext(ctx, platformerrors.LayerInfrastructure,
			platformerrors.ErrorTypeInvokeUnknown,
			"model listing failed",
			nil, "95b3e7c0-68d2-4f41-a95e-3d07f1c8b624", map[string]any{
				"status": resp.StatusCode(),
			})
	}

	vaesByBase := make(map[string][]string)
	for _, rec := range result.Models {
		if rec.Type == string(modelcache.ModelTypeVAE) {
			vaesByBase[rec.Base] = append(vaesByBase[rec.Base], rec.Key)
		}
	}

	models := make([]modelcache.Model, 0, len(result.Models))
	for _, rec := range result.Models {
		modelType := modelcache.ModelType(rec.Type)
		if modelType != modelcache.ModelTypeMain && modelType != modelcache.ModelTypeVAE {
			continue
		}
		model := modelcache.Model{
			Key:  rec.Key,
			Hash: rec.Hash,
			Name: rec.Name,
			Type: modelType,
			Base: rec.Base,
		}
		if modelType == modelcache.ModelTypeMain {
			model.CompatibleVAEs = vaesByBase[rec.Base]
			model.DefaultParams = defaultParamsFromSettings(rec.DefaultSettings)
		}
		models = append(models, model)
	}
	return models, nil
}

func defaultParamsFromSettings(settings map[string]any) map[string]*decimal.Decimal {
	if len(settings) == 0 {
		return nil
	}
	params := make(map[string]*decimal.Decimal, len(settings))
	for name, value := range settings {
		num, ok := value.(float64)
		if !ok {
			continue
		}
		d := decimal.NewFromFloat(num)
		params[name] = &d
	}
	if len(params) == 0 {
		return nil
	}
	return params
}
