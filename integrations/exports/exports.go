// Package exports renders persisted ledger events for offline
// reconciliation.
package exports

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"debtledger/services/lendingd/eventstore"
)

// Supported export formats.
const (
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

var header = []string{"sequence", "id", "type", "account", "timestamp", "attributes", "created_at"}

// Row is the flattened export shape of one event.
type Row struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Account    string            `json:"account,omitempty"`
	Timestamp  uint64            `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  string            `json:"created_at"`
}

// Rows flattens records, decoding their attribute payloads.
func Rows(records []eventstore.Record) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	for _, record := range records {
		evt, err := record.Event()
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{
			Sequence:   record.Sequence,
			ID:         record.ID.String(),
			Type:       record.Type,
			Account:    record.Account,
			Timestamp:  record.Timestamp,
			Attributes: evt.Attributes,
			CreatedAt:  formatTime(record.CreatedAt),
		})
	}
	return rows, nil
}

// Write renders records to w in the requested format.
func Write(w io.Writer, format string, records []eventstore.Record) error {
	rows, err := Rows(records)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatCSV:
		return writeCSV(w, rows)
	case "", FormatJSONL:
		return writeJSONL(w, rows)
	case FormatParquet:
		return writeParquet(w, rows)
	default:
		return fmt.Errorf("exports: unsupported format %q", format)
	}
}

func writeCSV(w io.Writer, rows []Row) error {
	out := csv.NewWriter(w)
	if err := out.Write(header); err != nil {
		return fmt.Errorf("exports: write csv header: %w", err)
	}
	for _, row := range rows {
		attrs, err := json.Marshal(row.Attributes)
		if err != nil {
			return fmt.Errorf("exports: encode attributes: %w", err)
		}
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			row.ID,
			row.Type,
			row.Account,
			strconv.FormatUint(row.Timestamp, 10),
			string(attrs),
			row.CreatedAt,
		}
		if err := out.Write(record); err != nil {
			return fmt.Errorf("exports: write csv row: %w", err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("exports: flush csv: %w", err)
	}
	return nil
}

func writeJSONL(w io.Writer, rows []Row) error {
	encoder := json.NewEncoder(w)
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return fmt.Errorf("exports: write jsonl: %w", err)
		}
	}
	return nil
}

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64  `parquet:"name=timestamp, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(w io.Writer, rows []Row) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		attrs, err := json.Marshal(row.Attributes)
		if err != nil {
			pw.WriteStop()
			return fmt.Errorf("exports: encode attributes: %w", err)
		}
		pr := &parquetRow{
			Sequence:   int64(row.Sequence),
			ID:         row.ID,
			Type:       row.Type,
			Account:    row.Account,
			Timestamp:  int64(row.Timestamp),
			Attributes: string(attrs),
			CreatedAt:  row.CreatedAt,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
