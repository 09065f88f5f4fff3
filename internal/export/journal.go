package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// SafeCSVWriter provides thread-safe CSV appends with a periodic flush.
type SafeCSVWriter struct {
	mu       sync.Mutex
	writer   *csv.Writer
	file     *os.File
	ticker   *time.Ticker
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
	filePath string

	writtenRecords uint64
	flushCount     uint64
}

// NewSafeCSVWriter opens filePath for appending. The header is written only
// when the file is empty.
func NewSafeCSVWriter(filePath string, header []string, flushInterval time.Duration, logger *zap.Logger) (*SafeCSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	scw := &SafeCSVWriter{
		writer:   csv.NewWriter(file),
		file:     file,
		ticker:   time.NewTicker(flushInterval),
		done:     make(chan struct{}),
		logger:   logger,
		filePath: filePath,
	}

	if stat.Size() == 0 && len(header) > 0 {
		// заголовок не считается записью
		if err := scw.writer.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		scw.writer.Flush()
	}

	go scw.periodicFlush()
	return scw, nil
}

// WriteRecord writes a CSV record in a thread-safe manner
func (scw *SafeCSVWriter) WriteRecord(record []string) error {
	scw.mu.Lock()
	defer scw.mu.Unlock()

	if err := scw.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	scw.writtenRecords++
	return nil
}

// Flush forces a write of any buffered data
func (scw *SafeCSVWriter) Flush() error {
	scw.mu.Lock()
	defer scw.mu.Unlock()
	return scw.flushLocked()
}

func (scw *SafeCSVWriter) flushLocked() error {
	scw.writer.Flush()
	if err := scw.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	if err := scw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	scw.flushCount++
	return nil
}

func (scw *SafeCSVWriter) periodicFlush() {
	for {
		select {
		case <-scw.ticker.C:
			if err := scw.Flush(); err != nil {
				scw.logger.Error("Periodic CSV flush failed",
					zap.String("file", scw.filePath),
					zap.Error(err))
			}
		case <-scw.done:
			return
		}
	}
}

// Close flushes and closes the file. Calling it twice is safe.
func (scw *SafeCSVWriter) Close() error {
	var err error
	scw.once.Do(func() {
		close(scw.done)
		scw.ticker.Stop()

		scw.mu.Lock()
		defer scw.mu.Unlock()

		if err = scw.flushLocked(); err != nil {
			scw.file.Close()
			return
		}
		if err = scw.file.Close(); err != nil {
			err = fmt.Errorf("failed to close file: %w", err)
			return
		}
		scw.logger.Info("Safe CSV writer closed",
			zap.String("file", scw.filePath),
			zap.Uint64("writtenRecords", scw.writtenRecords),
			zap.Uint64("flushCount", scw.flushCount))
	})
	return err
}

// Stats returns how many records and flushes were written.
func (scw *SafeCSVWriter) Stats() (records, flushes uint64) {
	scw.mu.Lock()
	defer scw.mu.Unlock()
	return scw.writtenRecords, scw.flushCount
}

// Journal appends every settled trade to a CSV file.
type Journal struct {
	w *SafeCSVWriter
}

func NewJournal(path string, logger *zap.Logger) (*Journal, error) {
	w, err := NewSafeCSVWriter(path, TradeHeaders(), 30*time.Second, logger.Named("journal"))
	if err != nil {
		return nil, fmt.Errorf("open trade journal: %w", err)
	}
	return &Journal{w: w}, nil
}

// Append writes one trade record.
func (j *Journal) Append(rec *domain.TradeRecord) error {
	return j.w.WriteRecord(TradeRow(rec))
}

func (j *Journal) Close() error {
	return j.w.Close()
}
