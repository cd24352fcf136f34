package protocol

import (
	"bytes"
	"fmt"
	"sync"

	snappy "github.com/eapache/go-xerial-snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/stratalog/kwire/types"
)

var (
	lz4WriterPool = sync.Pool{
		New: func() interface{} {
			return lz4.NewWriter(nil)
		},
	}

	gzipWriterPool = sync.Pool{
		New: func() interface{} {
			return gzip.NewWriter(nil)
		},
	}
)

func compress(cc types.CompressionCodec, level int, data []byte) ([]byte, error) {
	switch cc {
	case types.CompressionNone:
		return data, nil
	case types.CompressionGZIP:
		var (
			err    error
			buf    bytes.Buffer
			writer *gzip.Writer
		)
		if level != types.CompressionLevelDefault {
			writer, err = gzip.NewWriterLevel(&buf, level)
			if err != nil {
				return nil, err
			}
		} else {
			writer = gzipWriterPool.Get().(*gzip.Writer)
			defer gzipWriterPool.Put(writer)
			writer.Reset(&buf)
		}
		if _, err := writer.Write(data); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case types.CompressionSnappy:
		return snappy.Encode(data), nil
	case types.CompressionLZ4:
		writer := lz4WriterPool.Get().(*lz4.Writer)
		defer lz4WriterPool.Put(writer)

		var buf bytes.Buffer
		writer.Reset(&buf)
		// pooled writers keep the options of their previous use
		lz4Level := lz4.Fast
		if level >= 1 && level <= 9 {
			lz4Level = lz4.Level1 << (level - 1)
		}
		if err := writer.Apply(lz4.CompressionLevelOption(lz4Level)); err != nil {
			return nil, err
		}

		if _, err := writer.Write(data); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case types.CompressionZSTD:
		return zstdCompress(level, nil, data)
	default:
		return nil, &ProtocolError{Info: fmt.Sprintf("invalid compression specified (%d)", cc)}
	}
}
