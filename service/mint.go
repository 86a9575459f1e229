package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/eth"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

// ErrWalletRequired is returned when minting without a wallet address
var ErrWalletRequired = errors.New("wallet address required to mint")

// MintResult describes a submitted mint
type MintResult struct {
	Metadata    *core.NFTMetadata `json:"metadata"`
	MetadataURI string            `json:"metadataUri"`
	GatewayURL  string            `json:"gatewayUrl"`
	TxHash      string            `json:"txHash,omitempty"`
}

// MintService turns a finished emoji exchange into a connection NFT
type MintService struct {
	uploader ports.Uploader
	minter   ports.Minter
	logger   *zap.Logger
	now      func() time.Time
}

// NewMintService creates a mint service
func NewMintService(uploader ports.Uploader, minter ports.Minter, logger *zap.Logger) *MintService {
	return &MintService{
		uploader: uploader,
		minter:   minter,
		logger:   logging.OrNop(logger).Named("mint"),
		now:      time.Now,
	}
}

// Preview builds the metadata that Mint would pin for req
func (s *MintService) Preview(req MintRequest) *core.NFTMetadata {
	now := s.now()
	partner := req.Partner
	if partner == "" {
		partner = "0x0"
	}
	emoji := strings.TrimSpace(req.SentEmoji + " " + req.ReceivedEmoji)
	return core.NewNFTMetadata(now.Unix(), req.Method, emoji, partner, "", now)
}

// Mint pins the metadata of req and mints it to the local wallet
func (s *MintService) Mint(ctx context.Context, req MintRequest) (*MintResult, error) {
	if !eth.IsAddress(req.LocalAddress) {
		return nil, ErrWalletRequired
	}
	if req.SentEmoji == "" || req.ReceivedEmoji == "" {
		return nil, core.ErrMintNotReady
	}

	metadata := s.Preview(req)

	uri, err := s.uploader.Upload(ctx, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to upload metadata: %w", err)
	}

	hash, err := s.minter.Mint(ctx, req.LocalAddress, uri, req.Method)
	if err != nil {
		return nil, fmt.Errorf("failed to mint: %w", err)
	}

	s.logger.Info("connection minted",
		zap.String("session_id", req.SessionID),
		zap.String("uri", uri),
		zap.String("tx", hash))

	return &MintResult{
		Metadata:    metadata,
		MetadataURI: uri,
		GatewayURL:  core.GatewayURL(uri),
		TxHash:      hash,
	}, nil
}
