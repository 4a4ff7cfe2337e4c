package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkhandelwal/marketsync/internal/model"
)

// fixedNow is a mid-session instant: 2026-03-02 12:00 UTC (a Monday).
var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func ms(t time.Time) int64 { return t.UnixMilli() }

// newCalendarBackend serves the given timings and holidays.
func newCalendarBackend(t *testing.T, timings []model.MarketTiming, holidays []model.Holiday) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/timings":
			json.NewEncoder(w).Encode(map[string]any{"market_status": timings})
		case "/holidays":
			json.NewEncoder(w).Encode(map[string]any{"data": holidays})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestService spins up a calendar backed by the given timings and
// holidays, with the clock pinned to fixedNow.
func newTestService(t *testing.T, timings []model.MarketTiming, holidays []model.Holiday) Service {
	t.Helper()

	server := newCalendarBackend(t, timings, holidays)

	svc := New(Config{
		BaseURL:         server.URL,
		TimingsPath:     "/timings",
		HolidaysPath:    "/holidays",
		PreMarketBuffer: 15 * time.Minute,
	}, WithClock(func() time.Time { return fixedNow }))

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	return svc
}

func regularTimings() []model.MarketTiming {
	return []model.MarketTiming{
		{Exchange: "NSE", StartMs: ms(fixedNow.Add(-3 * time.Hour)), EndMs: ms(fixedNow.Add(3 * time.Hour))},
		{Exchange: "MCX", StartMs: ms(fixedNow.Add(2 * time.Hour)), EndMs: ms(fixedNow.Add(10 * time.Hour))},
	}
}

func TestIsExchangeOpen(t *testing.T) {
	svc := newTestService(t, regularTimings(), nil)

	if !svc.IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = false, want true inside window")
	}
	if svc.IsExchangeOpen("MCX") {
		t.Error("IsExchangeOpen(MCX) = true, want false before window")
	}
	if svc.IsExchangeOpen("NYSE") {
		t.Error("IsExchangeOpen(NYSE) = true, want false for unknown exchange")
	}
	if !svc.IsAnyExchangeOpen() {
		t.Error("IsAnyExchangeOpen() = false, want true")
	}
}

func TestHolidayClosesExchange(t *testing.T) {
	holidays := []model.Holiday{{
		Date:            fixedNow.Format("2006-01-02"),
		ClosedExchanges: []string{"NSE"},
	}}
	svc := newTestService(t, regularTimings(), holidays)

	if svc.IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = true on holiday with no special session, want false")
	}
}

func TestHolidaySpecialSessionWindow(t *testing.T) {
	holidays := []model.Holiday{{
		Date:            fixedNow.Format("2006-01-02"),
		ClosedExchanges: []string{"NSE"},
		SpecialSessions: []model.SpecialSession{{
			Exchange: "NSE",
			StartMs:  ms(fixedNow.Add(-30 * time.Minute)),
			EndMs:    ms(fixedNow.Add(30 * time.Minute)),
		}},
	}}
	svc := newTestService(t, regularTimings(), holidays)

	if !svc.IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = false inside special session, want true")
	}

	// Same holiday, session already over: closed even though the regular
	// window would say open.
	holidays[0].SpecialSessions[0].EndMs = ms(fixedNow.Add(-5 * time.Minute))
	svc = newTestService(t, regularTimings(), holidays)

	if svc.IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = true outside special session, want false")
	}
}

func TestHolidayUsesCalendarTimezone(t *testing.T) {
	// 2026-03-01 21:30 UTC is already 2026-03-02 03:00 in Asia/Kolkata.
	now := time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC)
	timings := []model.MarketTiming{
		{Exchange: "NSE", StartMs: ms(now.Add(-time.Hour)), EndMs: ms(now.Add(time.Hour))},
	}
	holidays := []model.Holiday{{
		Date:            "2026-03-02",
		ClosedExchanges: []string{"NSE"},
	}}
	server := newCalendarBackend(t, timings, holidays)

	newSvc := func(tz string) Service {
		svc := New(Config{
			BaseURL:      server.URL,
			TimingsPath:  "/timings",
			HolidaysPath: "/holidays",
			Timezone:     tz,
		}, WithClock(func() time.Time { return now }))
		if err := svc.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		return svc
	}

	if newSvc("Asia/Kolkata").IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = true, want false on an Asia/Kolkata holiday")
	}
	// Without a zone the wall date resolves in UTC, still 2026-03-01, so
	// the holiday must not apply yet.
	if !newSvc("").IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = false under UTC the day before the holiday, want true")
	}
}

func TestClassify(t *testing.T) {
	timings := []model.MarketTiming{
		{Exchange: "OPEN", StartMs: ms(fixedNow.Add(-time.Hour)), EndMs: ms(fixedNow.Add(time.Hour))},
		{Exchange: "PRE", StartMs: ms(fixedNow.Add(10 * time.Minute)), EndMs: ms(fixedNow.Add(8 * time.Hour))},
		{Exchange: "POST", StartMs: ms(fixedNow.Add(-8 * time.Hour)), EndMs: ms(fixedNow.Add(-time.Hour))},
		{Exchange: "EARLY", StartMs: ms(fixedNow.Add(2 * time.Hour)), EndMs: ms(fixedNow.Add(8 * time.Hour))},
	}
	svc := newTestService(t, timings, nil)

	tests := []struct {
		exchange string
		want     model.MarketPhase
	}{
		{"OPEN", model.PhaseOpen},
		{"PRE", model.PhasePreMarket},   // 10m before open, inside 15m buffer
		{"POST", model.PhasePostMarket}, // after close
		{"EARLY", model.PhaseClosed},    // 2h before open, outside buffer
		{"UNKNOWN", model.PhaseClosed},
	}

	for _, tt := range tests {
		if got := svc.Classify(tt.exchange); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.exchange, got, tt.want)
		}
	}
}

func TestFailClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := New(Config{
		BaseURL:      server.URL,
		TimingsPath:  "/timings",
		HolidaysPath: "/holidays",
	}, WithClock(func() time.Time { return fixedNow }))

	if err := svc.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh succeeded against failing backend, want error")
	}

	if svc.IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = true after failed load, want fail-closed false")
	}
	if svc.IsAnyExchangeOpen() {
		t.Error("IsAnyExchangeOpen() = true after failed load, want false")
	}
	if got := svc.Classify("NSE"); got != model.PhaseClosed {
		t.Errorf("Classify(NSE) = %s after failed load, want closed", got)
	}
}

func TestRefreshRecoversAfterFailure(t *testing.T) {
	healthy := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/timings":
			json.NewEncoder(w).Encode(map[string]any{"market_status": regularTimings()})
		case "/holidays":
			json.NewEncoder(w).Encode(map[string]any{"data": []model.Holiday{}})
		}
	}))
	defer server.Close()

	svc := New(Config{
		BaseURL:      server.URL,
		TimingsPath:  "/timings",
		HolidaysPath: "/holidays",
	}, WithClock(func() time.Time { return fixedNow }))

	if err := svc.Refresh(context.Background()); err == nil {
		t.Fatal("first Refresh succeeded, want error")
	}

	healthy = true
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	if !svc.IsExchangeOpen("NSE") {
		t.Error("IsExchangeOpen(NSE) = false after recovery, want true")
	}
}
