// Package ipfs pins certificate metadata to content-addressed storage
// through the Pinata pinning API.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/LiuMou68/starchain-backend/internal/config"
)

const pinataPinURL = "https://api.pinata.cloud/pinning/pinFileToIPFS"

// ErrNotConfigured is returned when no API credentials are set. Callers
// treat it like any other transient pin failure: log and move on.
var ErrNotConfigured = errors.New("ipfs: pinata credentials not configured")

// Client is the content-store contract the certificate core depends on.
type Client interface {
	PinFile(ctx context.Context, data []byte, filename string) (string, error)
	PinJSON(ctx context.Context, v any, filename string) (string, error)
	GatewayURL(hash string) string
}

type pinataResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int    `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// PinataClient talks to the Pinata HTTP API.
type PinataClient struct {
	apiKey    string
	secretKey string
	gateway   string
	pinURL    string
	httpc     *http.Client
	logger    *slog.Logger
}

func NewPinataClient(cfg config.IPFSConfig, logger *slog.Logger) *PinataClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PinataClient{
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		gateway:   cfg.Gateway,
		pinURL:    pinataPinURL,
		httpc:     &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

func (c *PinataClient) PinFile(ctx context.Context, data []byte, filename string) (string, error) {
	return c.pin(ctx, data, filename, "application/octet-stream")
}

func (c *PinataClient) PinJSON(ctx context.Context, v any, filename string) (string, error) {
	if filename == "" {
		filename = "metadata.json"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ipfs: marshal metadata: %w", err)
	}
	return c.pin(ctx, data, filename, "application/json")
}

func (c *PinataClient) GatewayURL(hash string) string {
	return c.gateway + strings.TrimPrefix(hash, "ipfs://")
}

func (c *PinataClient) pin(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return "", ErrNotConfigured
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", fmt.Errorf("ipfs: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("ipfs: build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("ipfs: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pinURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("pinata_api_key", c.apiKey)
	req.Header.Set("pinata_secret_api_key", c.secretKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs: pin request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ipfs: pin failed: %d %s: %s", resp.StatusCode, resp.Status, string(msg))
	}

	var result pinataResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ipfs: decode pin response: %w", err)
	}
	if result.IpfsHash == "" {
		return "", errors.New("ipfs: pin response missing hash")
	}
	c.logger.Debug("pinned content", "hash", result.IpfsHash, "size", result.PinSize, "file", filename)
	return result.IpfsHash, nil
}
