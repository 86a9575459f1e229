// Package ipfs pins NFT metadata to IPFS through the Pinata API.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

// DefaultEndpoint is Pinata's JSON pinning endpoint
const DefaultEndpoint = "https://api.pinata.cloud/pinning/pinJSONToIPFS"

// Credentials authenticate against Pinata; a JWT takes precedence over the
// key pair
type Credentials struct {
	JWT       string
	APIKey    string
	SecretKey string
}

// Empty reports whether no credential is set
func (c Credentials) Empty() bool {
	return c.JWT == "" && c.APIKey == ""
}

// Config configures a Pinata uploader
type Config struct {
	Credentials Credentials
	Endpoint    string
	Client      *http.Client
	Logger      *zap.Logger
	Now         func() time.Time
}

// PinataUploader pins metadata documents and returns their ipfs:// URI.
// Without credentials it returns a mock URI so the flow can be exercised
// offline.
type PinataUploader struct {
	creds    Credentials
	endpoint string
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewPinataUploader creates an uploader
func NewPinataUploader(cfg Config) *PinataUploader {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PinataUploader{
		creds:    cfg.Credentials,
		endpoint: cfg.Endpoint,
		client:   cfg.Client,
		logger:   logging.OrNop(cfg.Logger).Named("pinata"),
		now:      cfg.Now,
	}
}

var _ ports.Uploader = (*PinataUploader)(nil)

type pinRequest struct {
	PinataContent  *core.NFTMetadata `json:"pinataContent"`
	PinataMetadata struct {
		Name string `json:"name"`
	} `json:"pinataMetadata"`
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// Upload pins metadata and returns its ipfs:// URI
func (u *PinataUploader) Upload(ctx context.Context, metadata *core.NFTMetadata) (string, error) {
	if metadata == nil {
		return "", fmt.Errorf("metadata is required")
	}

	if u.creds.Empty() {
		uri := fmt.Sprintf("ipfs://QmMock%d%s", u.now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
		u.logger.Warn("no pinata credentials, using mock ipfs uri", zap.String("uri", uri))
		return uri, nil
	}

	var body pinRequest
	body.PinataContent = metadata
	body.PinataMetadata.Name = metadata.Name

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.creds.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+u.creds.JWT)
	}
	if u.creds.APIKey != "" {
		req.Header.Set("pinata_api_key", u.creds.APIKey)
		req.Header.Set("pinata_secret_api_key", u.creds.SecretKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ipfs upload failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode pin response: %w", err)
	}
	if out.IpfsHash == "" {
		return "", fmt.Errorf("ipfs upload failed: empty hash")
	}

	u.logger.Info("metadata pinned", zap.String("cid", out.IpfsHash))
	return "ipfs://" + out.IpfsHash, nil
}
