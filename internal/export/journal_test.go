package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestJournalConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "trades.csv")
	j, err := NewJournal(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, j.Append(&domain.TradeRecord{
				OwnerID:      "alice",
				Kind:         domain.TradeBuy,
				TokenAddress: "T",
				SolAmount:    float64(i),
				Status:       domain.TradeConfirmed,
				CreatedAt:    time.Now(),
			}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	rows := readCSV(t, path)
	assert.Len(t, rows, 21)
	assert.Equal(t, TradeHeaders(), rows[0])
}

func TestSafeCSVWriterHeaderOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	logger := zaptest.NewLogger(t)

	w, err := NewSafeCSVWriter(path, []string{"a", "b"}, time.Hour, logger)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]string{"1", "2"}))
	require.NoError(t, w.Close())

	w, err = NewSafeCSVWriter(path, []string{"a", "b"}, time.Hour, logger)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]string{"3", "4"}))
	require.NoError(t, w.Flush())

	records, flushes := w.Stats()
	assert.Equal(t, uint64(1), records)
	assert.Equal(t, uint64(1), flushes)
	require.NoError(t, w.Close())

	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}, {"3", "4"}}, readCSV(t, path))
}
