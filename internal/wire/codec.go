package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// CompressionThresholdBytes is the default serialized-size cutoff above
// which a message is sent as a raw gzip binary frame instead of JSON text.
const CompressionThresholdBytes = 8 * 1024

var gzipMagic = [2]byte{0x1f, 0x8b}

// EncodedMessage is the result of encoding a value for the wire: either
// JSON text, or gzip-compressed bytes when the JSON exceeded the
// configured threshold.
type EncodedMessage struct {
	Payload  []byte
	IsBinary bool
}

// Encode serializes v to JSON, then gzips it if the JSON exceeds
// thresholdBytes. thresholdBytes <= 0 uses CompressionThresholdBytes.
func Encode(v any, thresholdBytes int) (EncodedMessage, error) {
	if thresholdBytes <= 0 {
		thresholdBytes = CompressionThresholdBytes
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return EncodedMessage{}, fmt.Errorf("wire: marshal: %w", err)
	}
	if len(raw) <= thresholdBytes {
		return EncodedMessage{Payload: raw}, nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return EncodedMessage{}, fmt.Errorf("wire: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return EncodedMessage{}, fmt.Errorf("wire: gzip close: %w", err)
	}
	return EncodedMessage{Payload: buf.Bytes(), IsBinary: true}, nil
}

// Decode inspects raw for the gzip magic bytes, decompresses if present,
// and unmarshals the resulting JSON into v.
func Decode(raw []byte, v any) error {
	if isGzip(raw) {
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("wire: gzip reader: %w", err)
		}
		defer gr.Close()
		decompressed, err := io.ReadAll(gr)
		if err != nil {
			return fmt.Errorf("wire: gzip read: %w", err)
		}
		raw = decompressed
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

func isGzip(raw []byte) bool {
	return len(raw) >= 2 && raw[0] == gzipMagic[0] && raw[1] == gzipMagic[1]
}
