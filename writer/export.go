package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bookmirror/config"
	"bookmirror/logger"
	"bookmirror/orderbook"
)

// levelRecord is one exported price level. Prices and sizes are kept both as
// doubles for analytics and as exact decimal text.
type levelRecord struct {
	Instrument string  `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level      int32   `parquet:"name=level, type=INT32"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Size       float64 `parquet:"name=size, type=DOUBLE"`
	PriceText  string  `parquet:"name=price_text, type=BYTE_ARRAY, convertedtype=UTF8"`
	SizeText   string  `parquet:"name=size_text, type=BYTE_ARRAY, convertedtype=UTF8"`
	CapturedAt int64   `parquet:"name=captured_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter collects the parquet output in memory before an S3 upload.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ExportResult describes one written export.
type ExportResult struct {
	ID         string    `json:"id"`
	Location   string    `json:"location"`
	Rows       int       `json:"rows"`
	Bytes      int64     `json:"bytes"`
	CapturedAt time.Time `json:"captured_at"`
}

// Exporter writes point-in-time copies of the book as parquet files, either
// under a local directory or to S3.
type Exporter struct {
	cfg         *appconfig.Config
	s3Client    objectPutter
	compression parquet.CompressionCodec
	mu          sync.Mutex
	log         *logger.Log
}

// NewExporter prepares the configured destination. An S3 destination loads AWS
// credentials once up front.
func NewExporter(ctx context.Context, cfg *appconfig.Config) (*Exporter, error) {
	codec, err := compressionCodec(cfg.Export.Compression)
	if err != nil {
		return nil, err
	}
	e := &Exporter{
		cfg:         cfg,
		compression: codec,
		log:         logger.GetLogger(),
	}
	if cfg.Export.Destination != "s3" {
		return e, nil
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	e.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return e, nil
}

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "none":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	default:
		return 0, fmt.Errorf("unsupported compression %q", name)
	}
}

// Export writes depth for instrument and reports where it went.
func (e *Exporter) Export(ctx context.Context, instrument string, depth orderbook.Depth) (ExportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := ExportResult{
		ID:         uuid.New().String(),
		CapturedAt: time.Now().UTC(),
		Rows:       len(depth.Bids) + len(depth.Asks),
	}
	records := toRecords(instrument, depth, res.CapturedAt)
	key := e.objectKey(instrument, res)
	log := e.log.WithComponent("exporter").WithFields(logger.Fields{"instrument": instrument, "export_id": res.ID})

	if e.s3Client != nil {
		mw := newMemFileWriter()
		if err := e.writeParquet(mw, records); err != nil {
			log.WithError(err).Error("create parquet failed")
			return ExportResult{}, err
		}
		_, err := e.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(e.cfg.Storage.S3.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(mw.Bytes()),
		})
		if err != nil {
			log.WithError(err).Error("upload to s3 failed")
			return ExportResult{}, fmt.Errorf("upload %s: %w", key, err)
		}
		res.Location = fmt.Sprintf("s3://%s/%s", e.cfg.Storage.S3.Bucket, key)
		res.Bytes = int64(len(mw.Bytes()))
	} else {
		path := filepath.Join(e.cfg.Export.Directory, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return ExportResult{}, fmt.Errorf("create export directory: %w", err)
		}
		fw, err := local.NewLocalFileWriter(path)
		if err != nil {
			return ExportResult{}, fmt.Errorf("open %s: %w", path, err)
		}
		if err := e.writeParquet(fw, records); err != nil {
			fw.Close()
			log.WithError(err).Error("create parquet failed")
			return ExportResult{}, err
		}
		if err := fw.Close(); err != nil {
			return ExportResult{}, fmt.Errorf("close %s: %w", path, err)
		}
		if info, err := os.Stat(path); err == nil {
			res.Bytes = info.Size()
		}
		res.Location = path
	}

	logger.RecordChannelMessage("export_"+e.destination(), int(res.Bytes))
	log.WithFields(logger.Fields{"location": res.Location, "rows": res.Rows, "bytes": res.Bytes}).Info("book exported")
	return res, nil
}

func (e *Exporter) destination() string {
	if e.s3Client != nil {
		return "s3"
	}
	return "local"
}

func (e *Exporter) writeParquet(fw source.ParquetFile, records []levelRecord) error {
	pw, err := writer.NewParquetWriter(fw, new(levelRecord), 1)
	if err != nil {
		return fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = e.compression
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finish parquet: %w", err)
	}
	return nil
}

func toRecords(instrument string, depth orderbook.Depth, at time.Time) []levelRecord {
	out := make([]levelRecord, 0, len(depth.Bids)+len(depth.Asks))
	add := func(side orderbook.Side, levels []orderbook.Level) {
		for i, l := range levels {
			out = append(out, levelRecord{
				Instrument: instrument,
				Side:       side.String(),
				Level:      int32(i + 1),
				Price:      l.Price.Float64(),
				Size:       l.Size.Float64(),
				PriceText:  l.Price.String(),
				SizeText:   l.Size.String(),
				CapturedAt: at.UnixMilli(),
			})
		}
	}
	add(orderbook.Bid, depth.Bids)
	add(orderbook.Ask, depth.Asks)
	return out
}

// objectKey partitions exports by instrument and hour.
func (e *Exporter) objectKey(instrument string, res ExportResult) string {
	ts := res.CapturedAt
	parts := []string{}
	if e.cfg.Export.Prefix != "" {
		parts = append(parts, strings.Trim(e.cfg.Export.Prefix, "/"))
	}
	parts = append(parts,
		fmt.Sprintf("instrument=%s", instrument),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
	)
	filename := fmt.Sprintf("book_%s_%d_%s.parquet", instrument, ts.UnixNano(), res.ID[:8])
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
