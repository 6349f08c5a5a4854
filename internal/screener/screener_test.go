package screener

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namewatch/sniper/internal/metrics"
	"github.com/namewatch/sniper/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewWithRegisterer(prometheus.NewRegistry())
}

type rewriteTransport struct{ target string }

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(rt.target)
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	req.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

// mcHeadsStub reproduces spec.md §4.7's three outcomes keyed by name:
// "taken*" -> ETag present, "avail*" -> bare 2xx, everything else ->
// a 500 that lands in the retry bucket.
func mcHeadsStub() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/head/"):]
		switch {
		case name == "taken-but-500":
			w.Header().Set("ETag", `"abc123"`)
			w.WriteHeader(http.StatusInternalServerError)
		case len(name) >= 5 && name[:5] == "taken":
			w.Header().Set("ETag", `"abc123"`)
			w.WriteHeader(http.StatusOK)
		case len(name) >= 5 && name[:5] == "avail":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
}

func TestClassify_ETagMeansTaken(t *testing.T) {
	server := mcHeadsStub()
	defer server.Close()

	s := &Screener{Client: &http.Client{Transport: rewriteTransport{target: server.URL}}, Logger: discardLogger()}
	assert.Equal(t, classTaken, s.classify(context.Background(), "taken1"))
}

func TestClassify_Bare2xxMeansAvailable(t *testing.T) {
	server := mcHeadsStub()
	defer server.Close()

	s := &Screener{Client: &http.Client{Transport: rewriteTransport{target: server.URL}}, Logger: discardLogger()}
	assert.Equal(t, classAvailable, s.classify(context.Background(), "avail1"))
}

func TestClassify_ETagWinsOverNon2xxStatus(t *testing.T) {
	server := mcHeadsStub()
	defer server.Close()

	s := &Screener{Client: &http.Client{Transport: rewriteTransport{target: server.URL}}, Logger: discardLogger()}
	assert.Equal(t, classTaken, s.classify(context.Background(), "taken-but-500"))
}

func TestClassify_ErrorStatusMeansRetry(t *testing.T) {
	server := mcHeadsStub()
	defer server.Close()

	s := &Screener{Client: &http.Client{Transport: rewriteTransport{target: server.URL}}, Logger: discardLogger()}
	assert.Equal(t, classRetry, s.classify(context.Background(), "unknownname"))
}

func TestClassifyAll_LowercasesKeys(t *testing.T) {
	server := mcHeadsStub()
	defer server.Close()

	s := &Screener{Client: &http.Client{Transport: rewriteTransport{target: server.URL}}, Logger: discardLogger()}
	results := s.classifyAll(context.Background(), []string{"TAKEN1", "AVAIL1"})

	assert.Equal(t, classTaken, results["taken1"])
	assert.Equal(t, classAvailable, results["avail1"])
}

func TestRunBatch_NoPendingNamesIsANoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("checked_at").WillReturnRows(sqlmock.NewRows([]string{"username"}))

	s := &Screener{Store: store.OpenDB(db), Metrics: testMetrics(), Logger: discardLogger()}
	retries, err := s.runBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunBatch_SubmitsBothBuckets(t *testing.T) {
	server := mcHeadsStub()
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("checked_at").WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("taken1").AddRow("avail1"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE names SET checked_at = now\\(\\), status = \\$2").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE names SET checked_at = now\\(\\)").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := &Screener{
		Store:   store.OpenDB(db),
		Client:  &http.Client{Transport: rewriteTransport{target: server.URL}},
		Metrics: testMetrics(),
		Logger:  discardLogger(),
	}

	retries, err := s.runBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
	require.NoError(t, mock.ExpectationsWereMet())
}
