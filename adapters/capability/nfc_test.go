package capability

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTags struct {
	available bool
	records   []NDEFRecord
	err       error
	block     bool
	written   []NDEFRecord
}

func (f *fakeTags) Available() bool { return f.available }

func (f *fakeTags) Read(ctx context.Context) ([]NDEFRecord, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.records, f.err
}

func (f *fakeTags) Write(_ context.Context, records []NDEFRecord) error {
	if f.err != nil {
		return f.err
	}
	f.written = records
	return nil
}

func TestNFC_WriteThenRead(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	tags := &fakeTags{available: true}
	nfc := NewNFC(tags, tags, NFCConfig{Now: func() time.Time { return now }})

	require.NoError(t, nfc.WriteTag(context.Background(), peerAddress, "session-5-nfc"))
	require.Len(t, tags.written, 1)
	assert.Equal(t, RecordText, tags.written[0].RecordType)

	tags.records = tags.written
	peer, err := nfc.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.MethodNFC, peer.Method)
	assert.Equal(t, peerAddress, peer.Address)
	assert.Equal(t, "session-5-nfc", peer.SessionID)
	assert.Equal(t, now, peer.Timestamp)
}

func TestDecodeNFCRecords(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	peer, err := DecodeNFCRecords([]NDEFRecord{
		{RecordType: "url", Data: []byte("https://example.com")},
		{RecordType: RecordText, Data: []byte(`{"address":"0xabc","sessionId":"s"}`)},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, now, peer.Timestamp, "timestamp defaults to read time")

	invalid := map[string][]NDEFRecord{
		"no text record":  {{RecordType: "url", Data: []byte("x")}},
		"bad json":        {{RecordType: RecordText, Data: []byte("{")}},
		"missing address": {{RecordType: RecordText, Data: []byte(`{"sessionId":"s"}`)}},
		"missing session": {{RecordType: RecordText, Data: []byte(`{"address":"0xabc"}`)}},
	}
	for name, records := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeNFCRecords(records, now)
			assert.ErrorIs(t, err, core.ErrInvalidPeerData)
		})
	}
}

func TestNFC_Errors(t *testing.T) {
	nfc := NewNFC(&fakeTags{available: true, block: true}, nil, NFCConfig{Timeout: 20 * time.Millisecond})
	_, err := nfc.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrTimeout)

	nfc = NewNFC(&fakeTags{available: true, err: &PlatformError{Name: "NotAllowedError"}}, nil, NFCConfig{})
	_, err = nfc.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	nfc = NewNFC(&fakeTags{available: true, err: &PlatformError{Name: "NotSupportedError"}}, nil, NFCConfig{})
	_, err = nfc.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrCapabilityUnavailable)

	nfc = NewNFC(nil, nil, NFCConfig{})
	assert.False(t, nfc.Probe(context.Background()))
	assert.ErrorIs(t, nfc.WriteTag(context.Background(), peerAddress, "s"), core.ErrCapabilityUnavailable)
}

func TestNFC_Cancel(t *testing.T) {
	nfc := NewNFC(&fakeTags{available: true, block: true}, nil, NFCConfig{})

	errs := make(chan error, 1)
	go func() {
		_, err := nfc.Acquire(context.Background())
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	nfc.Cancel()
	nfc.Cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, core.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("read did not stop")
	}
}
