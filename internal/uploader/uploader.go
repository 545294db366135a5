// Package uploader delivers frame bytes to the detection endpoint.
//
// The client performs exactly one HTTP request per call. It does not retry
// and does not throttle; pacing belongs to the caller.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxResponseBytes caps how much of a response body is kept.
const maxResponseBytes = 1 << 20

// Detection is the classification payload returned by the detection service.
type Detection struct {
	FireDetected   bool    `json:"fire_detected"`
	ResultText     string  `json:"result_text"`
	RawModelOutput *string `json:"raw_model_output,omitempty"`
}

// Result describes a successful delivery
type Result struct {
	AttemptID  string
	StatusCode int
	Body       []byte
	Detection  *Detection // nil when the body is not a detection payload
	Duration   time.Duration
}

// Client posts frames to a single endpoint
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client for endpoint with the given per-request timeout
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the URL frames are posted to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Upload sends data as a multipart "file" field named after path. Any
// failure is returned as *UploadError.
func (c *Client) Upload(ctx context.Context, path string, data []byte) (*Result, error) {
	attemptID := uuid.New().String()

	body, contentType, err := encodeMultipart(path, data)
	if err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", attemptID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UploadError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UploadError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UploadError{
			Path:       path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s", ErrUnexpectedStatus, summarize(respBody)),
		}
	}

	result := &Result{
		AttemptID:  attemptID,
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Duration:   time.Since(start),
	}

	var det Detection
	if err := json.Unmarshal(respBody, &det); err == nil && det.ResultText != "" {
		result.Detection = &det
	}

	return result, nil
}

func encodeMultipart(path string, data []byte) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", ContentType(path))

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// ContentType maps an image file extension to its MIME type
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".bmp":
		return "image/bmp"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

const maxSummaryRunes = 200

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if r := []rune(s); len(r) > maxSummaryRunes {
		s = string(r[:maxSummaryRunes]) + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
