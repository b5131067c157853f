package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gregtusar/liqtrader/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	last time.Time
	err  error
}

func (f fixedSource) LatestTimestamp(ctx context.Context, symbol string) (time.Time, error) {
	return f.last, f.err
}

type recorder struct{ alerts []Alert }

func (r *recorder) Alert(ctx context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMonitor(src LatestSource, rec *recorder, now time.Time) *Monitor {
	m := NewMonitor(src, rec, Config{Symbol: "BTCUSDT", Threshold: 60 * time.Second}, quietLogger())
	m.now = func() time.Time { return now }
	return m
}

func TestIsGap(t *testing.T) {
	last := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)

	assert.True(t, IsGap(last, last.Add(90*time.Second), time.Minute))
	assert.False(t, IsGap(last, last.Add(30*time.Second), time.Minute))
	assert.False(t, IsGap(last, last.Add(time.Minute), time.Minute))
}

func TestPoll_GapRaisesAlert(t *testing.T) {
	last := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	m := newTestMonitor(fixedSource{last: last}, rec, last.Add(90*time.Second))

	st := m.Poll(context.Background())
	assert.True(t, st.Gap)
	assert.InDelta(t, 90, st.AgeSeconds, 1e-9)
	require.Len(t, rec.alerts, 1)
	assert.Contains(t, rec.alerts[0].Message, "90 seconds ago")
}

func TestPoll_FreshDataIsQuiet(t *testing.T) {
	last := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	m := newTestMonitor(fixedSource{last: last}, rec, last.Add(30*time.Second))

	st := m.Poll(context.Background())
	assert.False(t, st.Gap)
	assert.Empty(t, rec.alerts)
}

func TestPoll_EmptyAndUnreachableStore(t *testing.T) {
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)

	rec := &recorder{}
	st := newTestMonitor(fixedSource{err: store.ErrNoTicks}, rec, now).Poll(context.Background())
	assert.True(t, st.Gap)
	require.Len(t, rec.alerts, 1)
	assert.Contains(t, rec.alerts[0].Message, "No data found")

	rec = &recorder{}
	_, err := newTestMonitor(fixedSource{err: &store.UnavailableError{Op: "latest tick", Err: errors.New("refused")}}, rec, now).Check(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestTelegramAlerter(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewTelegramAlerter("tok", "42")
	a.baseURL = srv.URL

	require.NoError(t, a.Alert(context.Background(), Alert{Message: "Data gap detected!"}))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], "Data gap detected!")
}

func TestTelegramAlerter_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewTelegramAlerter("tok", "42")
	a.baseURL = srv.URL
	assert.Error(t, a.Alert(context.Background(), Alert{Message: "x"}))

	assert.NoError(t, NewTelegramAlerter("", "").Alert(context.Background(), Alert{Message: "x"}))
}
