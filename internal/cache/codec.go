package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// compression 标记快照正文的压缩方式，数值写入磁盘，修改会破坏已有数据。
type compression uint8

const (
	compressionNone compression = 0
	compressionZstd compression = 1
)

// envelopeVersion 变更时旧条目会被识别为 ErrMalformedEntry，而不是被误读。
const envelopeVersion = 1

// 小于该阈值的正文压缩收益不足，直接原样存储。
const compressThreshold = 1024

type envelope struct {
	Version     uint8               `cbor:"1,keyasint"`
	Status      int                 `cbor:"2,keyasint"`
	Header      map[string][]string `cbor:"3,keyasint,omitempty"`
	CapturedAt  int64               `cbor:"4,keyasint,omitempty"`
	Compression compression         `cbor:"5,keyasint"`
	Body        []byte              `cbor:"6,keyasint"`
	Size        int                 `cbor:"7,keyasint"`
	Digest      []byte              `cbor:"8,keyasint"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(entry Entry) ([]byte, error) {
	digest := blake3.Sum256(entry.Body)
	env := envelope{
		Version:     envelopeVersion,
		Status:      entry.Status,
		Header:      map[string][]string(entry.Header.Clone()),
		Compression: compressionNone,
		Body:        entry.Body,
		Size:        len(entry.Body),
		Digest:      digest[:],
	}
	if !entry.CapturedAt.IsZero() {
		env.CapturedAt = entry.CapturedAt.UnixNano()
	}
	if env.Body == nil {
		env.Body = []byte{}
	}
	if len(entry.Body) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(entry.Body, nil)
		if len(compressed) < len(entry.Body) {
			env.Body = compressed
			env.Compression = compressionZstd
		}
	}
	return encMode.Marshal(env)
}

func decodeEntry(raw []byte) (Entry, error) {
	var env envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if env.Version != envelopeVersion {
		return Entry{}, fmt.Errorf("%w: envelope version %d", ErrMalformedEntry, env.Version)
	}
	if env.Status < 100 || env.Status > 599 {
		return Entry{}, fmt.Errorf("%w: status %d", ErrMalformedEntry, env.Status)
	}

	body := env.Body
	switch env.Compression {
	case compressionNone:
	case compressionZstd:
		decoded, err := zstdDecoder.DecodeAll(env.Body, make([]byte, 0, env.Size))
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
		}
		body = decoded
	default:
		return Entry{}, fmt.Errorf("%w: compression %d", ErrMalformedEntry, env.Compression)
	}

	if len(body) != env.Size {
		return Entry{}, fmt.Errorf("%w: size mismatch", ErrMalformedEntry)
	}
	digest := blake3.Sum256(body)
	if !bytes.Equal(digest[:], env.Digest) {
		return Entry{}, fmt.Errorf("%w: digest mismatch", ErrMalformedEntry)
	}

	entry := Entry{
		Status: env.Status,
		Header: http.Header(env.Header),
		Body:   body,
	}
	if entry.Header == nil {
		entry.Header = make(http.Header)
	}
	if env.CapturedAt != 0 {
		entry.CapturedAt = time.Unix(0, env.CapturedAt).UTC()
	}
	return entry, nil
}
