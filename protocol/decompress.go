package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	snappy "github.com/eapache/go-xerial-snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/stratalog/kwire/types"
)

var (
	lz4ReaderPool = sync.Pool{
		New: func() interface{} {
			return lz4.NewReader(nil)
		},
	}

	gzipReaderPool sync.Pool
)

func decompress(cc types.CompressionCodec, data []byte) ([]byte, error) {
	switch cc {
	case types.CompressionNone:
		return data, nil
	case types.CompressionGZIP:
		var (
			err        error
			reader     *gzip.Reader
			readerIntf = gzipReaderPool.Get()
		)
		if readerIntf != nil {
			reader = readerIntf.(*gzip.Reader)
			if err = reader.Reset(bytes.NewReader(data)); err != nil {
				return nil, err
			}
		} else {
			reader, err = gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
		}

		defer gzipReaderPool.Put(reader)

		return io.ReadAll(reader)
	case types.CompressionSnappy:
		return snappy.Decode(data)
	case types.CompressionLZ4:
		reader := lz4ReaderPool.Get().(*lz4.Reader)
		defer lz4ReaderPool.Put(reader)

		reader.Reset(bytes.NewReader(data))
		return io.ReadAll(reader)
	case types.CompressionZSTD:
		return zstdDecompress(nil, data)
	default:
		return nil, &ProtocolError{Info: fmt.Sprintf("invalid compression specified (%d)", cc)}
	}
}
