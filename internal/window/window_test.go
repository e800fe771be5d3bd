package window

import (
	"testing"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
)

func barAt(symbol string, minute int) models.Bar {
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	return models.Bar{
		Symbol:    symbol,
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
		Close:     100 + float64(minute),
		Volume:    1000,
	}
}

func TestOnBarKeepsAscendingOrder(t *testing.T) {
	s := New(10, 3, logger.New())

	// Out-of-order arrival must still produce an ascending window.
	for _, m := range []int{0, 2, 1, 3} {
		s.OnBar("AAPL", barAt("AAPL", m))
	}

	bars := s.Bars("AAPL")
	if len(bars) != 4 {
		t.Fatalf("expected 4 bars, got %d", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			t.Fatalf("window not strictly ascending at %d: %v !> %v", i, bars[i].Timestamp, bars[i-1].Timestamp)
		}
	}
}

func TestOnBarEvictsOldest(t *testing.T) {
	s := New(3, 3, logger.New())

	for m := 0; m < 5; m++ {
		s.OnBar("AAPL", barAt("AAPL", m))
	}

	bars := s.Bars("AAPL")
	if len(bars) != 3 {
		t.Fatalf("expected capacity 3, got %d", len(bars))
	}
	if !bars[0].Timestamp.Equal(barAt("AAPL", 2).Timestamp) {
		t.Fatalf("oldest bars not evicted, window starts at %v", bars[0].Timestamp)
	}
}

func TestOnBarReturnsSnapshot(t *testing.T) {
	s := New(10, 3, logger.New())

	got := s.OnBar("AAPL", barAt("AAPL", 0))
	got[0].Close = -1

	if s.Bars("AAPL")[0].Close == -1 {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestAddHistoricalBarsSkipsRecentDuplicates(t *testing.T) {
	s := New(10, 5, logger.New())

	s.OnBar("AAPL", barAt("AAPL", 3))
	s.OnBar("AAPL", barAt("AAPL", 4))

	s.AddHistoricalBars("AAPL", []models.Bar{
		barAt("AAPL", 1),
		barAt("AAPL", 2),
		barAt("AAPL", 3), // duplicate of a live bar
		barAt("AAPL", 4), // duplicate of a live bar
	})

	bars := s.Bars("AAPL")
	if len(bars) != 4 {
		t.Fatalf("expected 4 bars after dedup, got %d", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Equal(bars[i-1].Timestamp) {
			t.Fatalf("duplicate timestamp survived merge: %v", bars[i].Timestamp)
		}
	}
}

func TestAddHistoricalBarsOldDuplicateReplacedInPlace(t *testing.T) {
	// The dedup scan is bounded: a timestamp older than the lookback window
	// falls through to the insert, which replaces the existing entry instead
	// of admitting a second one.
	s := New(20, 2, logger.New())

	for m := 0; m < 6; m++ {
		s.OnBar("AAPL", barAt("AAPL", m))
	}

	old := barAt("AAPL", 0)
	old.Close = 555
	s.AddHistoricalBars("AAPL", []models.Bar{old})

	if got := s.BarCount("AAPL"); got != 6 {
		t.Fatalf("expected old duplicate to be replaced in place, got %d bars", got)
	}
	if got := s.Bars("AAPL")[0].Close; got != 555 {
		t.Fatalf("expected replacement to keep the newer fields, got close %v", got)
	}
}

func TestOnBarCorrectionReplacesSameTimestamp(t *testing.T) {
	s := New(10, 3, logger.New())

	s.OnBar("AAPL", barAt("AAPL", 1))

	corrected := barAt("AAPL", 1)
	corrected.Close = 999
	s.OnBar("AAPL", corrected)

	bars := s.Bars("AAPL")
	if len(bars) != 1 {
		t.Fatalf("expected one entry per timestamp, got %d", len(bars))
	}
	if bars[0].Close != 999 {
		t.Fatalf("expected corrected bar to win, got close %v", bars[0].Close)
	}
}

func TestSymbolsAreIndependent(t *testing.T) {
	s := New(10, 3, logger.New())

	s.OnBar("AAPL", barAt("AAPL", 0))
	s.OnBar("BTC/USD", barAt("BTC/USD", 0))
	s.OnBar("BTC/USD", barAt("BTC/USD", 1))

	if s.BarCount("AAPL") != 1 || s.BarCount("BTC/USD") != 2 {
		t.Fatalf("windows not independent: AAPL=%d BTC/USD=%d", s.BarCount("AAPL"), s.BarCount("BTC/USD"))
	}

	s.ClearSymbol("AAPL")
	if s.BarCount("AAPL") != 0 || s.BarCount("BTC/USD") != 2 {
		t.Fatal("ClearSymbol affected the wrong window")
	}

	s.ClearAll()
	if s.BarCount("BTC/USD") != 0 {
		t.Fatal("ClearAll left data behind")
	}
}

func TestHasSufficientData(t *testing.T) {
	s := New(10, 3, logger.New())
	for m := 0; m < 3; m++ {
		s.OnBar("AAPL", barAt("AAPL", m))
	}
	if !s.HasSufficientData("AAPL", 3) {
		t.Fatal("expected sufficient data at exactly n bars")
	}
	if s.HasSufficientData("AAPL", 4) {
		t.Fatal("expected insufficient data above the buffered count")
	}
}
