// Package codec provides the storage frame format: schema-tagged msgpack
// payloads, ZSTD-compressed when they exceed a size threshold.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// Schema tags identify the record type inside a frame.
type Schema byte

const (
	SchemaSpan Schema = iota + 1
	SchemaLog
	SchemaDataPoint
	SchemaSeriesMeta
	SchemaMetricMeta
	SchemaResource
	SchemaScope

	schemaMax
)

const (
	frameMagic = 0x54 // 'T'

	flagRaw  = 0x52 // 'R'
	flagZstd = 0x5A // 'Z'

	// Bodies below this size are stored uncompressed; ZSTD overhead is not
	// worth it for small records.
	compressThreshold = 512
)

// Reusing the encoder and decoder contexts is significantly faster than
// creating them per frame.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode serializes a record into a frame. Encoding is deterministic for
// identical logical records.
func Encode(schema Schema, v any) ([]byte, error) {
	if schema == 0 || schema >= schemaMax {
		return nil, fmt.Errorf("schema %d: %w", schema, models.ErrSchemaMismatch)
	}

	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	flag := byte(flagRaw)
	if len(body) > compressThreshold {
		body = zstdEncoder.EncodeAll(body, nil)
		flag = flagZstd
	}

	frame := make([]byte, 0, len(body)+3)
	frame = append(frame, frameMagic, byte(schema), flag)
	frame = append(frame, body...)
	return frame, nil
}

// Decode reverses Encode into v. It fails with ErrCorruptFrame when the
// prefix or compressed body is invalid, and with ErrSchemaMismatch when the
// frame's schema tag is unknown or differs from the expected one.
func Decode(data []byte, schema Schema, v any) error {
	if len(data) < 3 || data[0] != frameMagic {
		return fmt.Errorf("bad frame prefix: %w", models.ErrCorruptFrame)
	}

	tag := Schema(data[1])
	if tag == 0 || tag >= schemaMax {
		return fmt.Errorf("unknown schema tag %d: %w", tag, models.ErrSchemaMismatch)
	}
	if tag != schema {
		return fmt.Errorf("schema tag %d, expected %d: %w", tag, schema, models.ErrSchemaMismatch)
	}

	body := data[3:]
	switch data[2] {
	case flagRaw:
	case flagZstd:
		decompressed, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", models.ErrCorruptFrame)
		}
		body = decompressed
	default:
		return fmt.Errorf("unknown flag %#x: %w", data[2], models.ErrCorruptFrame)
	}

	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("msgpack decode: %w", models.ErrCorruptFrame)
	}
	return nil
}
