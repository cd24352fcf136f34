package protocol

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/stratalog/kwire/types"
)

// zstdEncoders holds one stateless EncodeAll encoder per compression level.
type zstdEncoders struct {
	lock    sync.Mutex
	byLevel map[int]*zstd.Encoder
}

var (
	zstdEncoderCache = &zstdEncoders{byLevel: make(map[int]*zstd.Encoder)}
	zstdDecoder, _   = zstd.NewReader(nil)
)

func (c *zstdEncoders) get(level int) *zstd.Encoder {
	c.lock.Lock()
	defer c.lock.Unlock()
	if encoder, ok := c.byLevel[level]; ok {
		return encoder
	}
	speed := zstd.SpeedDefault
	if level != types.CompressionLevelDefault {
		speed = zstd.EncoderLevelFromZstd(level)
	}
	// Options are constants, so NewWriter cannot fail here.
	encoder, _ := zstd.NewWriter(nil, zstd.WithZeroFrames(true), zstd.WithEncoderLevel(speed))
	c.byLevel[level] = encoder
	return encoder
}

func zstdCompress(level int, dst, src []byte) ([]byte, error) {
	return zstdEncoderCache.get(level).EncodeAll(src, dst), nil
}

func zstdDecompress(dst, src []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, dst)
}
