package core

import (
	"fmt"
	"strings"
	"time"
)

// DefaultImageURI is used when a connection has no rendered artwork
const DefaultImageURI = "ipfs://QmDefaultImageHash"

// IPFSGateway serves ipfs:// URIs over HTTPS
const IPFSGateway = "https://gateway.pinata.cloud/ipfs/"

// NFTAttribute is one trait of the minted token
type NFTAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// NFTMetadata is the ERC-721 metadata document pinned for a connection
type NFTMetadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	Attributes  []NFTAttribute `json:"attributes"`
}

// NewNFTMetadata describes a connection made with method on the date of now
func NewNFTMetadata(tokenID int64, method Method, emoji, partner, imageURI string, now time.Time) *NFTMetadata {
	date := now.UTC().Format("2006-01-02")
	if imageURI == "" {
		imageURI = DefaultImageURI
	}

	return &NFTMetadata{
		Name:        fmt.Sprintf("TapMint Connection #%d", tokenID),
		Description: fmt.Sprintf("Physical connection via %s on %s", method, date),
		Image:       imageURI,
		Attributes: []NFTAttribute{
			{TraitType: "Method", Value: string(method)},
			{TraitType: "Emoji", Value: emoji},
			{TraitType: "Date", Value: date},
			{TraitType: "Partner", Value: partner},
		},
	}
}

// GatewayURL maps an ipfs:// URI to its HTTPS gateway form
func GatewayURL(uri string) string {
	if cid, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		return IPFSGateway + cid
	}
	return uri
}
