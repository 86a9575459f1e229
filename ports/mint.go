package ports

import (
	"context"

	"github.com/layer-3/tapmint/core"
)

// Uploader pins NFT metadata and returns its URI
type Uploader interface {
	Upload(ctx context.Context, metadata *core.NFTMetadata) (string, error)
}

// Minter submits a mint for a completed connection
type Minter interface {
	Mint(ctx context.Context, to, metadataURI string, method core.Method) (string, error)
}
