package artifact

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/g960059/neurolink/internal/codec"
)

// Compression identifies how a blob payload is stored. Values are part of
// the persisted format.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Blob kinds written by the engine.
const (
	KindModel          = "model"
	KindCalibrationRaw = "calibration_raw"
	KindReference      = "reference_dataset"
)

type envelope struct {
	Kind        string      `cbor:"kind"`
	Compression Compression `cbor:"compression"`
	Size        int         `cbor:"size"`
	Payload     []byte      `cbor:"payload"`
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("artifact: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifact: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeBlob CBOR-encodes v, compresses it with c and wraps it in a typed
// envelope. Incompressible payloads are stored uncompressed.
func EncodeBlob(kind string, v any, c Compression) ([]byte, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	payload, used, err := compress(raw, c)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", kind, err)
	}
	return codec.Marshal(envelope{Kind: kind, Compression: used, Size: len(raw), Payload: payload})
}

// DecodeBlob reverses EncodeBlob into v after checking the envelope kind.
func DecodeBlob(data []byte, kind string, v any) error {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind != kind {
		return fmt.Errorf("blob kind %q, want %q", env.Kind, kind)
	}
	raw, err := decompress(env.Payload, env.Compression, env.Size)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", kind, err)
	}
	if err := codec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

func compress(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression %s", c)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, c, nil
}

func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
