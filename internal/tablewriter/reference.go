package tablewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/tablesink/internal/metrics"
)

// localFileWriter is a reference FileWriter: it stages newline-delimited
// JSON rows in a zstd-compressed temp file. It exists so the writer
// lifecycle and the coordination protocol have a real, exercisable
// FileWriter to drive in the reference binary; production
// deployments supply their own implementation against the real
// table-format file writer.
type localFileWriter struct {
	dir    string
	prefix string

	mu     sync.Mutex
	file   *os.File
	enc    *zstd.Encoder
	path   string
	nrows  int
	closed bool
}

func newLocalFileWriter(dir, tableIdentifier string) (*localFileWriter, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tablewriter: creating stage dir: %w", err)
	}
	f, err := os.CreateTemp(dir, sanitize(tableIdentifier)+"-*.ndjson.zst")
	if err != nil {
		return nil, fmt.Errorf("tablewriter: staging file: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("tablewriter: zstd writer: %w", err)
	}
	return &localFileWriter{dir: dir, file: f, enc: enc, path: f.Name()}, nil
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '/' || r == '.' || r == ' ' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func (w *localFileWriter) WriteRow(row Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("tablewriter: write after close")
	}
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("tablewriter: marshal row: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.enc.Write(b); err != nil {
		return fmt.Errorf("tablewriter: write row: %w", err)
	}
	w.nrows++
	return nil
}

func (w *localFileWriter) Flush() ([]string, []string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, nil, nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		return nil, nil, fmt.Errorf("tablewriter: closing zstd encoder: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, nil, fmt.Errorf("tablewriter: closing staged file: %w", err)
	}
	if w.nrows == 0 {
		os.Remove(w.path)
		return nil, nil, nil
	}
	return []string{w.path}, nil, nil
}

func (w *localFileWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.enc.Close()
	w.file.Close()
	return os.Remove(w.path)
}

// fileTableWriter is the reference PerTableWriter: it converts each
// record via a RecordConverter and hands the row to a FileWriter.
type fileTableWriter struct {
	tableIdentifier string
	converter       RecordConverter
	fw              FileWriter
}

func newFileTableWriter(tableIdentifier string, converter RecordConverter, fw FileWriter) *fileTableWriter {
	return &fileTableWriter{tableIdentifier: tableIdentifier, converter: converter, fw: fw}
}

func (w *fileTableWriter) Write(ctx context.Context, rec Record) error {
	row, err := w.converter.Convert(ctx, rec)
	if err != nil {
		return fmt.Errorf("tablewriter: convert record for %s: %w", w.tableIdentifier, err)
	}
	return w.fw.WriteRow(row)
}

func (w *fileTableWriter) Complete(ctx context.Context) (WriterResult, error) {
	dataFiles, deleteFiles, err := w.fw.Flush()
	if err != nil {
		return WriterResult{}, err
	}
	w.recordStagedFiles("data", dataFiles)
	w.recordStagedFiles("delete", deleteFiles)
	return WriterResult{
		TableIdentifier: w.tableIdentifier,
		DataFiles:       dataFiles,
		DeleteFiles:     deleteFiles,
	}, nil
}

// recordStagedFiles reports staged-file counts and sizes to Prometheus.
func (w *fileTableWriter) recordStagedFiles(kind string, files []string) {
	if len(files) == 0 {
		return
	}
	metrics.StagedFilesTotal.WithLabelValues(w.tableIdentifier, kind).Add(float64(len(files)))
	var total int64
	for _, path := range files {
		if info, err := os.Stat(path); err == nil {
			total += info.Size()
		}
	}
	if total > 0 {
		metrics.StagedBytesTotal.WithLabelValues(w.tableIdentifier).Add(float64(total))
	}
}

func (w *fileTableWriter) Close(ctx context.Context) error {
	return w.fw.Abort()
}

// LocalWriterFactory is a reference WriterFactory backed by
// localFileWriter, staging files under StageDir.
type LocalWriterFactory struct {
	StageDir  string
	Converter RecordConverter
}

// NewWriter constructs a PerTableWriter staging under StageDir.
func (f *LocalWriterFactory) NewWriter(ctx context.Context, tableIdentifier string) (PerTableWriter, error) {
	fw, err := newLocalFileWriter(f.StageDir, tableIdentifier)
	if err != nil {
		return nil, err
	}
	conv := f.Converter
	if conv == nil {
		conv = IdentityConverter{}
	}
	return newFileTableWriter(tableIdentifier, conv, fw), nil
}

var _ WriterFactory = (*LocalWriterFactory)(nil)
