package loopapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/metrics"
	"loopchat/internal/models"

	"github.com/sirupsen/logrus"
)

const codeSuccess = 1000

// envelope is the common response wrapper of the REST API.
type envelope struct {
	Code int             `json:"code"`
	Msg  json.RawMessage `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HTTPClient talks to the chat server's REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a REST client. The token is sent as a bearer token on
// every request.
func NewClient(baseURL, token string, timeout time.Duration, logger *logrus.Logger) *HTTPClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// SetToken replaces the bearer token, typically after a refresh.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (json.RawMessage, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to create request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeAPIRequest, fmt.Sprintf("request to %s failed", path))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.WithError(closeErr).Warn("Failed to close response body")
		}
	}()

	metrics.RecordTimer("api_request_duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.ErrCodeAPIRequest,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, path))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to read response body")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to decode response envelope")
	}
	if env.Code != codeSuccess {
		return nil, apperrors.New(apperrors.ErrCodeAPIRequest,
			fmt.Sprintf("server returned code %d for %s: %s", env.Code, path, string(env.Msg)))
	}

	return env.Data, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	data, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to decode response data")
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to encode request body")
	}
	data, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to decode response data")
	}
	return nil
}

// GetServerTime returns the server clock in unix milliseconds.
func (c *HTTPClient) GetServerTime(ctx context.Context) (int64, error) {
	var data serverTimeData
	if err := c.getJSON(ctx, "/api/v1/im/local_time", &data); err != nil {
		return 0, err
	}
	return data.Time, nil
}

// GetOfflineMessages returns the frames queued while the client was offline.
func (c *HTTPClient) GetOfflineMessages(ctx context.Context) ([]models.Frame, error) {
	var frames []models.Frame
	if err := c.getJSON(ctx, "/api/v1/im/offline_message", &frames); err != nil {
		return nil, err
	}
	return frames, nil
}

// SubmitOfflineAcks confirms receipt of offline messages in one batch.
func (c *HTTPClient) SubmitOfflineAcks(ctx context.Context, acks []models.Frame) error {
	if len(acks) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/api/v1/im/submit_message", submitAcksRequest{SeqIDList: acks}, nil)
}

// RefreshToken exchanges a refresh token for a new access token and starts
// using it for subsequent requests.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.postJSON(ctx, "/api/v1/refresh", refreshTokenRequest{RefreshToken: refreshToken}, &data); err != nil {
		return "", err
	}
	if data.AccessToken == "" {
		return "", apperrors.New(apperrors.ErrCodeAPIRequest, "refresh response missing access token")
	}
	c.token = data.AccessToken
	return data.AccessToken, nil
}

// UploadBlob uploads media content as multipart form data and returns the
// stored URL.
func (c *HTTPClient) UploadBlob(ctx context.Context, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to create form file")
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to copy file content")
	}
	if err := writer.Close(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to finalize form")
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v1/file/upload", &buf, writer.FormDataContentType())
	if err != nil {
		return "", err
	}

	var fileData struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &fileData); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to decode upload response")
	}
	return fileData.URL, nil
}
