package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUploader struct {
	uri  string
	err  error
	seen *core.NFTMetadata
}

func (u *stubUploader) Upload(_ context.Context, metadata *core.NFTMetadata) (string, error) {
	u.seen = metadata
	return u.uri, u.err
}

type stubMinter struct {
	hash   string
	err    error
	to     string
	uri    string
	method core.Method
}

func (m *stubMinter) Mint(_ context.Context, to, uri string, method core.Method) (string, error) {
	m.to, m.uri, m.method = to, uri, method
	return m.hash, m.err
}

func readyRequest() MintRequest {
	return MintRequest{
		SessionID:     "session-1-abc",
		Method:        core.MethodNFC,
		LocalAddress:  alice,
		Partner:       bob,
		SentEmoji:     "🔥",
		ReceivedEmoji: "✨",
	}
}

func TestMintService_Mint(t *testing.T) {
	uploader := &stubUploader{uri: "ipfs://QmHash"}
	minter := &stubMinter{hash: "0xabc"}
	svc := NewMintService(uploader, minter, nil)
	svc.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	result, err := svc.Mint(context.Background(), readyRequest())
	require.NoError(t, err)

	assert.Equal(t, "ipfs://QmHash", result.MetadataURI)
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs/QmHash", result.GatewayURL)
	assert.Equal(t, "0xabc", result.TxHash)

	assert.Equal(t, alice, minter.to)
	assert.Equal(t, "ipfs://QmHash", minter.uri)
	assert.Equal(t, core.MethodNFC, minter.method)

	require.NotNil(t, uploader.seen)
	assert.Equal(t, "Physical connection via nfc on 2025-03-04", uploader.seen.Description)
	assert.Contains(t, uploader.seen.Attributes, core.NFTAttribute{TraitType: "Emoji", Value: "🔥 ✨"})
	assert.Contains(t, uploader.seen.Attributes, core.NFTAttribute{TraitType: "Partner", Value: bob})
}

func TestMintService_Errors(t *testing.T) {
	svc := NewMintService(&stubUploader{uri: "ipfs://x"}, &stubMinter{}, nil)

	req := readyRequest()
	req.LocalAddress = ""
	_, err := svc.Mint(context.Background(), req)
	assert.ErrorIs(t, err, ErrWalletRequired)

	req = readyRequest()
	req.ReceivedEmoji = ""
	_, err = svc.Mint(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrMintNotReady)

	failing := NewMintService(&stubUploader{err: errors.New("pinata down")}, &stubMinter{}, nil)
	_, err = failing.Mint(context.Background(), readyRequest())
	assert.ErrorContains(t, err, "pinata down")

	reverted := NewMintService(&stubUploader{uri: "ipfs://x"}, &stubMinter{err: errors.New("reverted")}, nil)
	_, err = reverted.Mint(context.Background(), readyRequest())
	assert.ErrorContains(t, err, "reverted")
}

func TestMintService_PreviewDefaultsPartner(t *testing.T) {
	svc := NewMintService(nil, nil, nil)
	req := readyRequest()
	req.Partner = ""

	metadata := svc.Preview(req)
	assert.Contains(t, metadata.Attributes, core.NFTAttribute{TraitType: "Partner", Value: "0x0"})
	assert.Equal(t, core.DefaultImageURI, metadata.Image)
}
