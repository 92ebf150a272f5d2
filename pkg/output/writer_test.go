package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
	assert.Equal(t, "s3", w.provider)
}

func TestJSONLWriter_WriteMigrate(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	rec := &MigrateRecord{
		Key:      "data/2024/file.parquet",
		Outcome:  OutcomeCopied,
		Attempts: 1,
		Batch:    3,
	}

	err := w.WriteMigrate(context.Background(), rec)
	require.NoError(t, err)

	// Parse the output
	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeMigrate, record.Type)
	assert.Equal(t, "job-123", record.JobID)
	assert.Equal(t, "s3", record.Provider)
	assert.False(t, record.TS.IsZero())

	// Parse the data payload
	var data MigrateRecord
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, "data/2024/file.parquet", data.Key)
	assert.Equal(t, OutcomeCopied, data.Outcome)
	assert.Equal(t, 1, data.Attempts)
	assert.Equal(t, 3, data.Batch)
}

func TestJSONLWriter_WriteMigrate_Failed(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-456", "s3")

	rec := &MigrateRecord{
		Key:      "data/file.csv",
		Outcome:  OutcomeFailed,
		Attempts: 4,
		Batch:    1,
		Error:    "provider unavailable",
	}

	err := w.WriteMigrate(context.Background(), rec)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	var data MigrateRecord
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, data.Outcome)
	assert.Equal(t, 4, data.Attempts)
	assert.Equal(t, "provider unavailable", data.Error)
}

func TestJSONLWriter_WritePlan(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	plan := &PlanRecord{
		Key:          "data/file.bin",
		Size:         2048,
		Batch:        2,
		StorageClass: "STANDARD",
	}

	err := w.WritePlan(context.Background(), plan)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypePlan, record.Type)

	var data PlanRecord
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, "data/file.bin", data.Key)
	assert.Equal(t, int64(2048), data.Size)
	assert.Equal(t, "STANDARD", data.StorageClass)
}

func TestJSONLWriter_WriteFolder(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	folder := &FolderRecord{
		Path:   "reports/2024/",
		Copied: 120,
		Failed: 2,
		Total:  122,
	}

	err := w.WriteFolder(context.Background(), folder)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeFolder, record.Type)

	var data FolderRecord
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, "reports/2024/", data.Path)
	assert.Equal(t, int64(120), data.Copied)
	assert.Equal(t, int64(2), data.Failed)
	assert.Equal(t, int64(122), data.Total)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	errRec := &ErrorRecord{
		Code:    ErrCodeAccessDenied,
		Message: "Access denied to bucket",
		Prefix:  "secret/",
	}

	err := w.WriteError(context.Background(), errRec)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeError, record.Type)

	var errData ErrorRecord
	err = json.Unmarshal(record.Data, &errData)
	require.NoError(t, err)

	assert.Equal(t, ErrCodeAccessDenied, errData.Code)
	assert.Equal(t, "Access denied to bucket", errData.Message)
	assert.Equal(t, "secret/", errData.Prefix)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	prog := &ProgressRecord{
		Phase:       PhaseCopying,
		ObjectsSeen: 1000,
		Copied:      950,
		Failed:      10,
		Skipped:     40,
		Batch:       5,
		Folder:      "data/2024/",
	}

	err := w.WriteProgress(context.Background(), prog)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeProgress, record.Type)

	var progData ProgressRecord
	err = json.Unmarshal(record.Data, &progData)
	require.NoError(t, err)

	assert.Equal(t, PhaseCopying, progData.Phase)
	assert.Equal(t, int64(1000), progData.ObjectsSeen)
	assert.Equal(t, int64(950), progData.Copied)
	assert.Equal(t, int64(10), progData.Failed)
	assert.Equal(t, int64(40), progData.Skipped)
	assert.Equal(t, 5, progData.Batch)
	assert.Equal(t, "data/2024/", progData.Folder)
}

func TestJSONLWriter_WithoutProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3").WithoutProgress()

	err := w.WriteProgress(context.Background(), &ProgressRecord{Phase: PhaseCopying, ObjectsSeen: 100})
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	// Other record kinds still flow.
	err = w.WriteMigrate(context.Background(), &MigrateRecord{Key: "file.txt", Outcome: OutcomeCopied})
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)
	assert.Equal(t, TypeMigrate, record.Type)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	sum := &SummaryRecord{
		Mode:          "migrate",
		ObjectsSeen:   5000,
		Copied:        4990,
		Failed:        10,
		Batches:       25,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
		LedgerDir:     "/var/lib/gocirrus/ledger",
		Prefixes:      []string{"data/2024/", "data/2025/"},
	}

	err := w.WriteSummary(context.Background(), sum)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeSummary, record.Type)

	var sumData SummaryRecord
	err = json.Unmarshal(record.Data, &sumData)
	require.NoError(t, err)

	assert.Equal(t, "migrate", sumData.Mode)
	assert.Equal(t, int64(5000), sumData.ObjectsSeen)
	assert.Equal(t, int64(4990), sumData.Copied)
	assert.Equal(t, int64(10), sumData.Failed)
	assert.Equal(t, 25, sumData.Batches)
	assert.Equal(t, 30*time.Second, sumData.Duration)
	assert.Equal(t, "30s", sumData.DurationHuman)
	assert.Equal(t, "/var/lib/gocirrus/ledger", sumData.LedgerDir)
	assert.Equal(t, []string{"data/2024/", "data/2025/"}, sumData.Prefixes)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	err := w.WriteMigrate(context.Background(), &MigrateRecord{Key: "file1.txt", Outcome: OutcomeCopied})
	require.NoError(t, err)

	err = w.WriteMigrate(context.Background(), &MigrateRecord{Key: "file2.txt", Outcome: OutcomeCopied})
	require.NoError(t, err)

	// Output should be two lines
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	// Each line should be valid JSON
	for _, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	err := w.Close()
	require.NoError(t, err)

	// Writing after close should fail
	err = w.WriteMigrate(context.Background(), &MigrateRecord{Key: "file.txt", Outcome: OutcomeCopied})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				rec := &MigrateRecord{
					Key:     "file.txt",
					Outcome: OutcomeCopied,
					Batch:   writerID*writesPerWriter + j,
				}
				_ = w.WriteMigrate(context.Background(), rec)
			}
		}(i)
	}

	wg.Wait()

	// Verify all lines are complete JSON objects (no interleaving)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "s3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err := w.WriteMigrate(ctx, &MigrateRecord{Key: "file.txt", Outcome: OutcomeCopied})
	assert.ErrorIs(t, err, context.Canceled)

	// Buffer should be empty (nothing written)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	// Create a writer that always fails
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "job-123", "s3")

	err := w.WriteMigrate(context.Background(), &MigrateRecord{Key: "file.txt", Outcome: OutcomeCopied})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	// Create a writer that simulates short writes (returns n < len(p) with nil error)
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "job-123", "s3")

	rec := &MigrateRecord{
		Key:      "data/2024/file.parquet",
		Outcome:  OutcomeCopied,
		Attempts: 1,
	}

	err := w.WriteMigrate(context.Background(), rec)
	require.NoError(t, err)

	// Verify complete output despite short writes
	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeMigrate, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	// Create a writer that returns 0 bytes written with nil error (pathological case)
	zeroWriter := &zeroWriteWriter{}
	w := NewJSONLWriter(zeroWriter, "job-123", "s3")

	err := w.WriteMigrate(context.Background(), &MigrateRecord{Key: "file.txt", Outcome: OutcomeCopied})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter simulates an io.Writer that performs short writes.
// It writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecord_JSONSerialization(t *testing.T) {
	// Test that records serialize correctly
	record := Record{
		Type:     TypeMigrate,
		TS:       time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		JobID:    "abc123",
		Provider: "s3",
		Data:     json.RawMessage(`{"key":"test.txt","outcome":"copied"}`),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	// Verify JSON structure
	var parsed map[string]any
	err = json.Unmarshal(data, &parsed)
	require.NoError(t, err)

	assert.Equal(t, TypeMigrate, parsed["type"])
	assert.Equal(t, "abc123", parsed["job_id"])
	assert.Equal(t, "s3", parsed["provider"])
	assert.NotNil(t, parsed["ts"])
	assert.NotNil(t, parsed["data"])
}

func TestMigrateRecord_OmitEmpty(t *testing.T) {
	// Folder and Error should be omitted when empty
	rec := MigrateRecord{
		Key:      "file.txt",
		Outcome:  OutcomeCopied,
		Attempts: 1,
		Batch:    1,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "folder")
	assert.NotContains(t, string(data), "error")
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	// Key, Prefix, Details should be omitted when empty
	errRec := ErrorRecord{
		Code:    ErrCodeInternal,
		Message: "Something went wrong",
	}

	data, err := json.Marshal(errRec)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "key")
	assert.NotContains(t, string(data), "prefix")
	assert.NotContains(t, string(data), "details")
}

func TestProgressRecord_OmitEmpty(t *testing.T) {
	// Folder, Total and ETA should be omitted when empty
	prog := ProgressRecord{
		Phase:       PhaseComplete,
		ObjectsSeen: 100,
		Copied:      90,
	}

	data, err := json.Marshal(prog)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "folder")
	assert.NotContains(t, string(data), "total")
	assert.NotContains(t, string(data), "eta_seconds")
}

// Benchmark for write performance
func BenchmarkJSONLWriter_WriteMigrate(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "job-123", "s3")
	rec := &MigrateRecord{
		Key:      "data/2024/01/15/file.parquet",
		Outcome:  OutcomeCopied,
		Attempts: 1,
		Batch:    7,
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteMigrate(ctx, rec)
	}
}
