package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

// RecordText is the NDEF record type carrying TapMint payloads
const RecordText = "text"

// NDEFRecord is one record of an NDEF message
type NDEFRecord struct {
	RecordType string
	Data       []byte
}

// TagReader reads NDEF messages from tapped tags
type TagReader interface {
	Available() bool
	// Read blocks until a tag is tapped and returns its records
	Read(ctx context.Context) ([]NDEFRecord, error)
}

// TagWriter writes NDEF messages to tags
type TagWriter interface {
	Write(ctx context.Context, records []NDEFRecord) error
}

type nfcPayload struct {
	Address   string `json:"address"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DecodeNFCRecords extracts the peer from the records of a tapped tag. A
// missing timestamp means the tag was read at now.
func DecodeNFCRecords(records []NDEFRecord, now time.Time) (*core.PeerDescriptor, error) {
	var text *NDEFRecord
	for i := range records {
		if records[i].RecordType == RecordText {
			text = &records[i]
			break
		}
	}
	if text == nil {
		return nil, fmt.Errorf("%w: no text record on tag", core.ErrInvalidPeerData)
	}

	var payload nfcPayload
	if err := json.Unmarshal(text.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: unreadable tag payload: %v", core.ErrInvalidPeerData, err)
	}
	if payload.Address == "" || payload.SessionID == "" {
		return nil, fmt.Errorf("%w: address and session id are required", core.ErrInvalidPeerData)
	}

	ts := now
	if payload.Timestamp > 0 {
		ts = time.UnixMilli(payload.Timestamp)
	}

	return &core.PeerDescriptor{
		Method:    core.MethodNFC,
		Address:   payload.Address,
		SessionID: payload.SessionID,
		Timestamp: ts,
	}, nil
}

// EncodeNFCRecords returns the records inviting a peer into sessionID
func EncodeNFCRecords(address, sessionID string, now time.Time) ([]NDEFRecord, error) {
	if address == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: address and session id are required", core.ErrInvalidPeerData)
	}

	data, err := json.Marshal(nfcPayload{
		Address:   address,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tag payload: %w", err)
	}
	return []NDEFRecord{{RecordType: RecordText, Data: data}}, nil
}

// NFCConfig configures an NFC reader
type NFCConfig struct {
	Timeout time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
}

// NFC finds a peer by reading the tag it wrote, or by writing our own
type NFC struct {
	run
	reader  TagReader
	writer  TagWriter
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewNFC creates the NFC capability; reader and writer may be nil on devices
// without NFC
func NewNFC(reader TagReader, writer TagWriter, cfg NFCConfig) *NFC {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &NFC{
		reader:  reader,
		writer:  writer,
		timeout: cfg.Timeout,
		logger:  logging.OrNop(cfg.Logger).Named("nfc"),
		now:     cfg.Now,
	}
}

var _ ports.Capability = (*NFC)(nil)

// Method returns core.MethodNFC
func (n *NFC) Method() core.Method {
	return core.MethodNFC
}

// Probe reports whether an NFC reader is present
func (n *NFC) Probe(context.Context) bool {
	return n.reader != nil && n.reader.Available()
}

// Acquire waits for a tag tap and decodes the peer written on it
func (n *NFC) Acquire(ctx context.Context) (*core.PeerDescriptor, error) {
	if n.reader == nil {
		return nil, fmt.Errorf("%w: no nfc reader", core.ErrCapabilityUnavailable)
	}

	ctx, done := n.begin(ctx, n.timeout)
	defer done()

	records, err := n.reader.Read(ctx)
	if err != nil {
		err = finish(ctx, core.MethodNFC, err)
		n.logger.Debug("tag read failed", zap.Error(err))
		return nil, err
	}
	return DecodeNFCRecords(records, n.now())
}

// WriteTag writes an invitation into sessionID onto the next tapped tag
func (n *NFC) WriteTag(ctx context.Context, address, sessionID string) error {
	if n.writer == nil {
		return fmt.Errorf("%w: no nfc writer", core.ErrCapabilityUnavailable)
	}

	records, err := EncodeNFCRecords(address, sessionID, n.now())
	if err != nil {
		return err
	}

	ctx, done := n.begin(ctx, n.timeout)
	defer done()

	if err := n.writer.Write(ctx, records); err != nil {
		return finish(ctx, core.MethodNFC, err)
	}
	n.logger.Info("tag written", zap.String("session_id", sessionID))
	return nil
}
