package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultPinataURL is Pinata's JSON pinning endpoint.
const DefaultPinataURL = "https://api.pinata.cloud/pinning/pinJSONToIPFS"

// PinataOption configures a PinataClient.
type PinataOption func(*PinataClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) PinataOption {
	return func(p *PinataClient) { p.httpClient = c }
}

// WithEndpoint points the client at a different pinJSONToIPFS URL.
func WithEndpoint(url string) PinataOption {
	return func(p *PinataClient) {
		if url != "" {
			p.endpoint = url
		}
	}
}

// PinataClient pins documents as JSON through Pinata.
type PinataClient struct {
	jwt        string
	endpoint   string
	httpClient *http.Client
}

func NewPinataClient(jwt string, opts ...PinataOption) *PinataClient {
	p := &PinataClient{
		jwt:      jwt,
		endpoint: DefaultPinataURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type pinRequest struct {
	PinataContent  ClinicalContent `json:"pinataContent"`
	PinataMetadata *Metadata       `json:"pinataMetadata,omitempty"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Upload pins doc and returns its IPFS hash.
func (p *PinataClient) Upload(ctx context.Context, doc Document) (string, error) {
	if err := doc.Content.validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(pinRequest{PinataContent: doc.Content, PinataMetadata: doc.Metadata})
	if err != nil {
		return "", fmt.Errorf("encoding pin request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.jwt)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{Status: resp.StatusCode, Message: upstreamMessage(body)}
	}

	var out pinResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &UpstreamError{Status: http.StatusBadGateway, Message: "malformed pinning response"}
	}
	if out.IpfsHash == "" {
		return "", &UpstreamError{Status: http.StatusBadGateway, Message: "pinning response has no IpfsHash"}
	}
	return out.IpfsHash, nil
}

// upstreamMessage pulls the error text out of a Pinata error body, which is
// either {"error": "..."} or {"error": {"reason": "...", "details": "..."}}.
func upstreamMessage(body []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Reason  string `json:"reason"`
			Details string `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && nested.Error.Reason != "" {
		if nested.Error.Details != "" {
			return nested.Error.Reason + ": " + nested.Error.Details
		}
		return nested.Error.Reason
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return "upload failed"
}
