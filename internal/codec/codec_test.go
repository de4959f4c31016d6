package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyolly/tinyolly/pkg/models"
)

func testSpan() *models.Span {
	return &models.Span{
		TraceID:     "0af7651916cd43dd8448eb211c80319c",
		SpanID:      "b7ad6b7169203331",
		Name:        "GET /api/orders",
		Kind:        "SERVER",
		StartTimeNs: 1_700_000_000_000_000_000,
		EndTimeNs:   1_700_000_000_050_000_000,
		Status:      models.SpanStatus{Code: "OK"},
		Attributes: models.Attributes{
			"http.method": models.StringValue("GET"),
			"http.status_code": models.IntValue(200),
		},
		ServiceName:  "orders",
		IngestTimeNs: 1_700_000_000_100_000_000,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	span := testSpan()

	frame, err := Encode(SchemaSpan, span)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded models.Span
	if err := Decode(frame, SchemaSpan, &decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.TraceID != span.TraceID || decoded.SpanID != span.SpanID {
		t.Errorf("identifiers changed: got %s/%s", decoded.TraceID, decoded.SpanID)
	}
	if decoded.StartTimeNs != span.StartTimeNs || decoded.EndTimeNs != span.EndTimeNs {
		t.Errorf("timestamps changed: got %d/%d", decoded.StartTimeNs, decoded.EndTimeNs)
	}
	if decoded.Attributes.GetString("http.method") != "GET" {
		t.Errorf("attributes changed: %v", decoded.Attributes)
	}
	if decoded.Status.Code != "OK" {
		t.Errorf("status changed: %v", decoded.Status)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	span := testSpan()

	a, err := Encode(SchemaSpan, span)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := Encode(SchemaSpan, span)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if string(a) != string(b) {
		t.Error("identical records produced different frames")
	}
}

func TestLargeBodyCompressed(t *testing.T) {
	lr := &models.LogRecord{
		LogID:       "f2b4c1aa-1111-2222-3333-444455556666",
		TimestampNs: 1_700_000_000_000_000_000,
		Body:        strings.Repeat("connection refused to upstream service; retrying with backoff. ", 40),
		ServiceName: "checkout",
	}

	frame, err := Encode(SchemaLog, lr)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if frame[2] != flagZstd {
		t.Fatalf("large body not compressed, flag=%#x", frame[2])
	}
	if len(frame) >= len(lr.Body) {
		t.Errorf("compressed frame (%d bytes) not smaller than body (%d bytes)", len(frame), len(lr.Body))
	}

	var decoded models.LogRecord
	if err := Decode(frame, SchemaLog, &decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Body != lr.Body {
		t.Error("body changed through compression round trip")
	}
}

func TestSmallBodyUncompressed(t *testing.T) {
	frame, err := Encode(SchemaScope, &models.Scope{Ref: "ab12", Name: "io.opentelemetry.http", Version: "2.1"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if frame[2] != flagRaw {
		t.Errorf("small body should stay raw, flag=%#x", frame[2])
	}
}

func TestDecodeCorruptFrame(t *testing.T) {
	var span models.Span

	if err := Decode([]byte{0xFF, 0x01, 0x52, 0x00}, SchemaSpan, &span); !errors.Is(err, models.ErrCorruptFrame) {
		t.Errorf("bad magic: got %v, want ErrCorruptFrame", err)
	}
	if err := Decode([]byte{}, SchemaSpan, &span); !errors.Is(err, models.ErrCorruptFrame) {
		t.Errorf("empty frame: got %v, want ErrCorruptFrame", err)
	}

	frame, err := Encode(SchemaSpan, testSpan())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	frame[2] = 0x00
	if err := Decode(frame, SchemaSpan, &span); !errors.Is(err, models.ErrCorruptFrame) {
		t.Errorf("unknown flag: got %v, want ErrCorruptFrame", err)
	}
}

func TestDecodeSchemaMismatch(t *testing.T) {
	frame, err := Encode(SchemaSpan, testSpan())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var lr models.LogRecord
	if err := Decode(frame, SchemaLog, &lr); !errors.Is(err, models.ErrSchemaMismatch) {
		t.Errorf("wrong schema: got %v, want ErrSchemaMismatch", err)
	}

	frame[1] = 0xEE
	var span models.Span
	if err := Decode(frame, SchemaSpan, &span); !errors.Is(err, models.ErrSchemaMismatch) {
		t.Errorf("unknown schema tag: got %v, want ErrSchemaMismatch", err)
	}
}

func TestEncodeUnknownSchema(t *testing.T) {
	if _, err := Encode(Schema(99), testSpan()); !errors.Is(err, models.ErrSchemaMismatch) {
		t.Errorf("got %v, want ErrSchemaMismatch", err)
	}
}
