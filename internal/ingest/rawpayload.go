package ingest

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("ingest: zstd encoder init: %v", err))
	}
}

// encodeRawPayload returns the bytes to store for a decoded envelope's raw
// value, honoring the store/compress pair independently: storing disabled
// returns nil regardless of compress, matching the teacher's
// store_raw_bytes/store_raw_bytes_compress precedence in internal/history/writer.go.
func encodeRawPayload(value []byte, store, compress bool) []byte {
	if !store || len(value) == 0 {
		return nil
	}
	if compress {
		return zstdEncoder.EncodeAll(value, nil)
	}
	return value
}
