package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPDetectorConfig configures the detector sidecar client.
type HTTPDetectorConfig struct {
	// ServerURL of the detector sidecar, e.g. "http://localhost:9020".
	ServerURL string
	// ConfidenceThreshold filters low-score detections.
	ConfidenceThreshold float64
	// Timeout for one detection request.
	Timeout time.Duration
}

// DefaultHTTPDetectorConfig returns sensible defaults.
func DefaultHTTPDetectorConfig() HTTPDetectorConfig {
	return HTTPDetectorConfig{
		ServerURL:           "http://localhost:9020",
		ConfidenceThreshold: 0.6,
		Timeout:             2 * time.Second,
	}
}

// detectResponse is the sidecar's wire format.
type detectResponse struct {
	Faces []struct {
		X          int     `json:"x"`
		Y          int     `json:"y"`
		W          int     `json:"w"`
		H          int     `json:"h"`
		Confidence float64 `json:"confidence"`
	} `json:"faces"`
}

// HTTPDetector calls a face-detection sidecar (a YuNet model server) over
// HTTP. Each Detect posts one JPEG frame and parses the returned boxes.
type HTTPDetector struct {
	config     HTTPDetectorConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPDetector creates a detector client.
func NewHTTPDetector(config HTTPDetectorConfig, logger zerolog.Logger) *HTTPDetector {
	if config.ServerURL == "" {
		config = DefaultHTTPDetectorConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &HTTPDetector{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With().Str("component", "detector").Logger(),
	}
}

// Detect posts the frame and returns detected faces above the confidence
// threshold. Degenerate boxes (non-positive width or height) are dropped.
func (d *HTTPDetector) Detect(frame *Frame) ([]DetectedFace, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.ServerURL+"/detect", bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to create detect request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read detect response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse detect response: %w", err)
	}

	faces := make([]DetectedFace, 0, len(parsed.Faces))
	for _, f := range parsed.Faces {
		if f.W <= 0 || f.H <= 0 {
			continue
		}
		if f.Confidence < d.config.ConfidenceThreshold {
			continue
		}
		faces = append(faces, DetectedFace{
			BBox:       Rect{X: f.X, Y: f.Y, W: f.W, H: f.H},
			Confidence: f.Confidence,
		})
	}
	return faces, nil
}

// Health checks whether the sidecar responds.
func (d *HTTPDetector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.ServerURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrDetectorUnavailable, resp.StatusCode)
	}
	return nil
}
