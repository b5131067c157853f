package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gregtusar/liqtrader/pkg/health"
	"github.com/gregtusar/liqtrader/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHealth struct {
	st  health.Status
	err error
}

func (s stubHealth) Check(ctx context.Context) (health.Status, error) { return s.st, s.err }

type stubLog struct {
	recs  []models.IterationRecord
	limit int
}

func (s *stubLog) RecordIteration(ctx context.Context, rec models.IterationRecord) error { return nil }

func (s *stubLog) RecentIterations(ctx context.Context, symbol string, limit int) ([]models.IterationRecord, error) {
	s.limit = limit
	return s.recs, nil
}

type stubPosition struct{ pos models.Position }

func (s stubPosition) Position() models.Position { return s.pos }

func newTestServer(secret string, log *stubLog) *Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(Options{
		Symbol:     "BTCUSDT",
		JWTSecret:  secret,
		Health:     stubHealth{st: health.Status{Symbol: "BTCUSDT", AgeSeconds: 90, Gap: true}},
		Iterations: log,
		Position:   stubPosition{pos: models.NewPosition("BTCUSDT", -0.1, 100, 1)},
	}, logger)
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndPosition(t *testing.T) {
	h := newTestServer("", &stubLog{}).Handler()

	rr := get(t, h, "/api/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st health.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.Gap)
	assert.Equal(t, 90.0, st.AgeSeconds)

	rr = get(t, h, "/api/position", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var pos models.Position
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pos))
	assert.Equal(t, models.PositionShort, pos.Side)
}

func TestIterations(t *testing.T) {
	log := &stubLog{recs: []models.IterationRecord{{Symbol: "BTCUSDT", Action: "HOLD"}}}
	h := newTestServer("", log).Handler()

	rr := get(t, h, "/api/iterations?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, log.limit)

	var recs []models.IterationRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "HOLD", recs[0].Action)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/iterations?limit=abc", "").Code)
}

func TestAuth(t *testing.T) {
	h := newTestServer("s3cret", &stubLog{}).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/health", "garbage").Code)

	wrong, err := IssueToken("other", "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/health", wrong).Code)

	expired, err := IssueToken("s3cret", "ops", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/health", expired).Code)

	good, err := IssueToken("s3cret", "ops", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/health", good).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", good).Code)
}

func TestVerifyToken(t *testing.T) {
	tok, err := IssueToken("s3cret", "ops", time.Hour)
	require.NoError(t, err)

	claims, err := VerifyToken("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "liqtrader", claims.Issuer)

	_, err = IssueToken("", "ops", time.Hour)
	assert.Error(t, err)
}
