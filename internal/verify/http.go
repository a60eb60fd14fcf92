package verify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// HTTPVerifier calls a DeepFace-style /verify endpoint.
type HTTPVerifier struct {
	client *http.Client
	url    string
	model  string
}

func NewHTTPVerifier(baseURL, model string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimSuffix(baseURL, "/") + "/verify",
		model:  model,
	}
}

type verifyRequest struct {
	Img1             string `json:"img1_path"`
	Img2             string `json:"img2_path"`
	ModelName        string `json:"model_name,omitempty"`
	EnforceDetection bool   `json:"enforce_detection"`
}

type verifyResponse struct {
	Verified bool    `json:"verified"`
	Distance float64 `json:"distance"`
	Error    string  `json:"error"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, a, b []byte) (Result, error) {
	body, err := json.Marshal(verifyRequest{
		Img1:      dataURL(a),
		Img2:      dataURL(b),
		ModelName: v.model,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call verifier: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read verifier response: %w", err)
	}

	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("decode verifier response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("verifier returned %d: %s", resp.StatusCode, out.Error)
	}
	return Result{Matched: out.Verified, Distance: out.Distance}, nil
}

func dataURL(img []byte) string {
	return "data:" + mimetype.Detect(img).String() + ";base64," + base64.StdEncoding.EncodeToString(img)
}
