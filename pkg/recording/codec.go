package recording

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Format is a bundle encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCBORZstd Format = "cbor+zstd"
)

// ParseFormat maps a user supplied name to a Format. The empty string means
// JSON.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBORZstd, "cbor", "binary":
		return FormatCBORZstd, nil
	}
	return "", fmt.Errorf("unknown bundle format %q", name)
}

// ErrChecksumMismatch is returned when a binary bundle fails verification.
var ErrChecksumMismatch = errors.New("bundle checksum mismatch")

// binary bundles are: magic | blake3(payload) | zstd(cbor(bundle))
var binaryMagic = []byte("ADBGREC1")

const checksumSize = 32

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("recording: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("recording: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("recording: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("recording: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a bundle.
func Encode(b *Bundle, format Format) ([]byte, error) {
	if b == nil || b.Recording == nil {
		return nil, errors.New("cannot encode empty bundle")
	}

	switch format {
	case "", FormatJSON:
		return json.MarshalIndent(b, "", "  ")
	case FormatCBORZstd:
		raw, err := encMode.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("cbor encode: %w", err)
		}
		compressed := zstdEncoder.EncodeAll(raw, nil)
		sum := blake3.Sum256(compressed)

		out := make([]byte, 0, len(binaryMagic)+checksumSize+len(compressed))
		out = append(out, binaryMagic...)
		out = append(out, sum[:]...)
		out = append(out, compressed...)
		return out, nil
	}
	return nil, fmt.Errorf("unknown bundle format %q", format)
}

// Decode parses a bundle in either format, detected from its leading bytes.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle

	switch {
	case bytes.HasPrefix(data, binaryMagic):
		rest := data[len(binaryMagic):]
		if len(rest) < checksumSize {
			return nil, errors.New("truncated binary bundle")
		}
		var want [checksumSize]byte
		copy(want[:], rest[:checksumSize])
		payload := rest[checksumSize:]
		if blake3.Sum256(payload) != want {
			return nil, ErrChecksumMismatch
		}

		raw, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if err := decMode.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("cbor decode: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("json decode: %w", err)
		}
	}

	if b.Recording == nil {
		return nil, errors.New("bundle has no recording")
	}
	if b.Version > BundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	return &b, nil
}
