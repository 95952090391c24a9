package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/internal/models"
)

func TestHTTPBarsFetchAndCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Contains(t, r.URL.Path, "/v2/aggs/ticker/XYZ/range/1/minute/2024-06-03/2024-06-03")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[
			{"t":1717421400000,"o":95,"h":95.5,"l":94.8,"c":95.2,"v":1000},
			{"t":1717421460000,"o":95.2,"h":95.4,"l":95.0,"c":95.3,"v":800}
		]}`))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	src := NewHTTPBars(srv.URL, "tok", cacheDir)
	ctx := context.Background()

	bars, err := src.MinuteBars(ctx, "XYZ", "2024-06-03")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.InDelta(t, 95.2, bars[0].Close, 1e-9)

	// Second call is served from memory.
	_, err = src.MinuteBars(ctx, "XYZ", "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// A fresh client with the same cache dir reads from disk, not HTTP.
	src2 := NewHTTPBars(srv.URL, "tok", cacheDir)
	bars2, err := src2.MinuteBars(ctx, "XYZ", "2024-06-03")
	require.NoError(t, err)
	require.Len(t, bars2, 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "disk cache must prevent a refetch")
	assert.True(t, bars2[0].Time.Equal(bars[0].Time))
	assert.InDelta(t, bars[1].Close, bars2[1].Close, 1e-9)
}

func TestHTTPBarsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTTPBars(srv.URL, "tok", "")
	_, err := src.MinuteBars(context.Background(), "XYZ", "2024-06-03")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestStaticBars(t *testing.T) {
	src := NewStaticBars()
	base := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)
	src.Add("XYZ", "2024-06-03", []models.Bar{{Time: base, Close: 95}})

	bars, err := src.MinuteBars(context.Background(), "XYZ", "2024-06-03")
	require.NoError(t, err)
	require.Len(t, bars, 1)

	empty, err := src.MinuteBars(context.Background(), "XYZ", "2024-06-04")
	require.NoError(t, err)
	assert.Empty(t, empty, "unknown dates yield an empty series")
}
