package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"notesync/internal/model"
)

// HTTPClient talks to the note service over JSON/HTTP.
type HTTPClient struct {
	BaseURL string
	Token   string
	client  *http.Client
}

// NewHTTPClient creates a new remote service client. Call deadlines come from
// the context of each call.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		client:  http.DefaultClient,
	}
}

// SyncState fetches the account summary.
func (c *HTTPClient) SyncState(ctx context.Context) (SyncState, error) {
	var out SyncState
	err := c.do(ctx, http.MethodGet, "/v1/sync/state", nil, &out)
	return out, err
}

// RateLimitStatus asks whether the account is currently throttled.
func (c *HTTPClient) RateLimitStatus(ctx context.Context) (RateLimitStatus, error) {
	var out RateLimitStatus
	err := c.do(ctx, http.MethodGet, "/v1/sync/ratelimit", nil, &out)
	return out, err
}

// ListChanges fetches up to limit changes of kind with USN above afterUSN.
func (c *HTTPClient) ListChanges(ctx context.Context, kind model.Kind, afterUSN int64, limit int) (ChangeBatch, error) {
	q := url.Values{}
	q.Set("kind", kind.String())
	q.Set("after", strconv.FormatInt(afterUSN, 10))
	q.Set("max", strconv.Itoa(limit))

	var resp ChangesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/changes?"+q.Encode(), nil, &resp); err != nil {
		return ChangeBatch{}, err
	}

	batch := ChangeBatch{
		Entities: make([]model.Entity, 0, len(resp.Entities)),
		Expunged: resp.Expunged,
		HighUSN:  resp.HighUSN,
		More:     resp.More,
	}
	for _, w := range resp.Entities {
		e, err := FromWire(w)
		if err != nil {
			return ChangeBatch{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if e.Kind != kind {
			return ChangeBatch{}, fmt.Errorf("%w: %s page contains a %s", ErrProtocol, kind, e.Kind)
		}
		batch.Entities = append(batch.Entities, e)
	}
	return batch, nil
}

// Create registers a new entity.
func (c *HTTPClient) Create(ctx context.Context, e model.Entity) (model.Entity, error) {
	var out WireEntity
	if err := c.do(ctx, http.MethodPost, "/v1/entities/"+e.Kind.String(), ToWire(e), &out); err != nil {
		return model.Entity{}, err
	}
	return decodeEntity(out)
}

// Update sends a new version of an existing entity.
func (c *HTTPClient) Update(ctx context.Context, e model.Entity) (model.Entity, error) {
	var out WireEntity
	path := "/v1/entities/" + e.Kind.String() + "/" + url.PathEscape(e.GUID)
	err := c.do(ctx, http.MethodPut, path, ToWire(e), &out)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		conflict.Kind = e.Kind
		conflict.GUID = e.GUID
	}
	if err != nil {
		return model.Entity{}, err
	}
	return decodeEntity(out)
}

// Get fetches the current version of an entity.
func (c *HTTPClient) Get(ctx context.Context, kind model.Kind, guid string) (model.Entity, error) {
	var out WireEntity
	path := "/v1/entities/" + kind.String() + "/" + url.PathEscape(guid)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return model.Entity{}, err
	}
	return decodeEntity(out)
}

func decodeEntity(w WireEntity) (model.Entity, error) {
	e, err := FromWire(w)
	if err != nil {
		return model.Entity{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if e.GUID == "" {
		return model.Entity{}, fmt.Errorf("%w: entity without guid", ErrProtocol)
	}
	return e, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", ErrProtocol, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Seconds: retryAfter(resp.Header.Get("Retry-After"), raw)}
	case resp.StatusCode == http.StatusConflict:
		return decodeConflict(raw)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, errorMessage(raw))
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", ErrProtocol, resp.StatusCode, errorMessage(raw))
	}
}

func retryAfter(header string, body []byte) int {
	if n, err := strconv.Atoi(header); err == nil && n >= 0 {
		return n
	}
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.RetryAfterSeconds > 0 {
		return er.RetryAfterSeconds
	}
	return 1
}

func decodeConflict(body []byte) error {
	var cr ConflictResponse
	if err := json.Unmarshal(body, &cr); err != nil || cr.Remote == nil {
		return &ConflictError{}
	}
	e, err := FromWire(*cr.Remote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &ConflictError{Remote: &e}
}

func errorMessage(body []byte) string {
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return er.Error
	}
	return string(body)
}
