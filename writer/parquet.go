package writer

import (
	"errors"
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"cryptofeed/models"
)

// BookRecord is one price level of an archived order book.
type BookRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Level     int32   `parquet:"name=level, type=INT32"`
}

// memoryFile is an in-memory source.ParquetFile. Writes always append;
// Open hands out an independent reader over the same bytes.
type memoryFile struct {
	buf []byte
	off int64
}

func newMemoryFile(data []byte) *memoryFile {
	return &memoryFile{buf: data}
}

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }

func (f *memoryFile) Open(string) (source.ParquetFile, error) {
	return &memoryFile{buf: f.buf}, nil
}

func (f *memoryFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.off + offset
	case io.SeekEnd:
		abs = int64(len(f.buf)) + offset
	default:
		return 0, errors.New("memory file: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memory file: negative position")
	}
	f.off = abs
	return abs, nil
}

func (f *memoryFile) Read(b []byte) (int, error) {
	if f.off >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(b, f.buf[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *memoryFile) Write(b []byte) (int, error) {
	f.buf = append(f.buf, b...)
	f.off = int64(len(f.buf))
	return len(b), nil
}

func (f *memoryFile) Close() error { return nil }

func (f *memoryFile) Bytes() []byte { return f.buf }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// bookRecords flattens a book into rows, bids first. Levels start at 1 on
// each side.
func bookRecords(exchange string, book models.OrderBook) []BookRecord {
	rows := make([]BookRecord, 0, len(book.Bids)+len(book.Asks))
	add := func(side string, levels []models.OrderbookEntry) {
		for i, l := range levels {
			rows = append(rows, BookRecord{
				Exchange:  exchange,
				Symbol:    book.Symbol,
				Timestamp: book.Timeframe,
				Side:      side,
				Price:     l.Price,
				Amount:    l.Amount,
				Level:     int32(i + 1),
			})
		}
	}
	add("bid", book.Bids)
	add("ask", book.Asks)
	return rows
}

func encodeParquet(rows []BookRecord, compression string) ([]byte, error) {
	f := newMemoryFile(nil)
	pw, err := pqwriter.NewParquetWriter(f, new(BookRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return f.Bytes(), nil
}
