package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxHTTPResponseSize = 1 << 16
)

var errMissingSignerURL = errors.New("signer: url is required")

// HTTPConfig configures an HTTPSigner.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Logger  *zap.Logger
}

// HTTPSigner posts signing requests to a JSON endpoint.
type HTTPSigner struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

type httpSignEnvelope struct {
	Request SignRequest `json:"request"`
}

type httpErrorBody struct {
	Error string `json:"error"`
}

// NewHTTPSigner validates the configuration and constructs an HTTPSigner.
func NewHTTPSigner(cfg HTTPConfig) (*HTTPSigner, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingSignerURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSigner{url: url, timeout: timeout, client: client, logger: logger}, nil
}

// Sign sends the request in the background. The request outlives ctx cancellation and is
// bounded by the configured timeout instead.
func (s *HTTPSigner) Sign(ctx context.Context, request SignRequest) (<-chan Result, error) {
	body, err := json.Marshal(httpSignEnvelope{Request: request})
	if err != nil {
		return nil, err
	}

	results := make(chan Result, 1)
	go func() {
		requestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		response, err := s.post(requestCtx, body)
		if err != nil {
			s.logger.Warn("signer request failed", zap.String("path", request.Path), zap.Error(err))
		}
		results <- Result{Response: response, Err: err}
	}()
	return results, nil
}

func (s *HTTPSigner) post(ctx context.Context, body []byte) (SignatureResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SignatureResponse{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return SignatureResponse{}, fmt.Errorf("%w: %v", ErrSignerTimeout, err)
		}
		return SignatureResponse{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseSize))
	if err != nil {
		return SignatureResponse{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errorBody httpErrorBody
		_ = json.Unmarshal(payload, &errorBody)
		if errorBody.Error == "" {
			errorBody.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return SignatureResponse{}, rejected(errorBody.Error)
	}

	var response SignatureResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return SignatureResponse{}, fmt.Errorf("%w: decode response: %v", ErrSignerRejected, err)
	}
	return response, nil
}
