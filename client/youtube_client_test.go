package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/resolver"
	"github.com/researchaccelerator-hub/youtube-collector/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *YouTubeDataClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewYouTubeDataClient(DataClientConfig{
		APIKey:            "test-api-key",
		RequestsPerSecond: 1000,
		Burst:             100,
		Endpoint:          server.URL + "/",
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func apiError(code int, reason string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": reason + " happened",
			"errors":  []map[string]interface{}{{"reason": reason, "message": reason}},
		},
	}
}

func TestNewYouTubeDataClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DataClientConfig
		wantErr bool
	}{
		{"valid API key", DataClientConfig{APIKey: "test-api-key-12345"}, false},
		{"empty API key", DataClientConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewYouTubeDataClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultHTTPTimeout, c.config.HTTPTimeout)
			assert.Equal(t, defaultRequestsPerSecond, c.config.RequestsPerSecond)
			assert.NotNil(t, c.lookupCache)
			assert.NotNil(t, c.limiter)
		})
	}
}

func TestNotConnected(t *testing.T) {
	c, err := NewYouTubeDataClient(DataClientConfig{APIKey: "k"})
	require.NoError(t, err)

	_, err = c.ListChannels(context.Background(), "UC123")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.ListVideos(context.Background(), []string{"v1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestListChannels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/channels"), r.URL.Path)
		assert.Equal(t, "UC_test_channel", r.URL.Query().Get("id"))
		assert.Equal(t, "test-api-key", r.URL.Query().Get("key"))
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"items": []map[string]interface{}{{
				"id":             "UC_test_channel",
				"snippet":        map[string]interface{}{"title": "Test"},
				"statistics":     map[string]interface{}{"videoCount": "3", "subscriberCount": "10"},
				"contentDetails": map[string]interface{}{"relatedPlaylists": map[string]interface{}{"uploads": "UU_test_channel"}},
			}},
		})
	})

	resp, err := c.ListChannels(context.Background(), "UC_test_channel")
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "Test", resp.Items[0].Snippet.Title)
	assert.Equal(t, uint64(3), resp.Items[0].Statistics.VideoCount)
	assert.Equal(t, "UU_test_channel", resp.Items[0].ContentDetails.RelatedPlaylists.Uploads)
}

func TestListPlaylistItemsPassesPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "UU1", q.Get("playlistId"))
		assert.Equal(t, "50", q.Get("maxResults"))
		assert.Equal(t, "tok", q.Get("pageToken"))
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"nextPageToken": "tok2",
			"items": []map[string]interface{}{
				{"contentDetails": map[string]interface{}{"videoId": "v1"}},
			},
		})
	})

	resp, err := c.ListPlaylistItems(context.Background(), "UU1", "tok", 50)
	require.NoError(t, err)
	assert.Equal(t, "tok2", resp.NextPageToken)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "v1", resp.Items[0].ContentDetails.VideoId)
}

func TestAPIErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reason    string
		sentinel  error
		retriable bool
	}{
		{"quota", http.StatusForbidden, "quotaExceeded", common.ErrQuotaExceeded, false},
		{"comments disabled", http.StatusForbidden, "commentsDisabled", common.ErrCommentsDisabled, false},
		{"not found", http.StatusNotFound, "videoNotFound", common.ErrNotFound, false},
		{"bad request", http.StatusBadRequest, "invalidParameter", common.ErrInvalidRequest, false},
		{"server", http.StatusServiceUnavailable, "backendError", common.ErrTransient, true},
		{"rate limited", http.StatusTooManyRequests, "rateLimitExceeded", common.ErrTransient, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tt.status, apiError(tt.status, tt.reason))
			})

			_, err := c.ListCommentThreads(context.Background(), "v1", "", 100)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *common.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.reason, apiErr.Reason)
			assert.Equal(t, tt.retriable, apiErr.Retriable())
		})
	}
}

func TestRequestTimeoutIsRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"items": []map[string]interface{}{{"id": "UC_test_channel"}},
		})
	}))
	t.Cleanup(server.Close)

	c, err := NewYouTubeDataClient(DataClientConfig{
		APIKey:            "test-api-key",
		RequestsPerSecond: 1000,
		Burst:             100,
		HTTPTimeout:       100 * time.Millisecond,
		Endpoint:          server.URL + "/",
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	policy := retry.NewPolicy(3)
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var attemptErrs []error
	err = policy.Do(context.Background(), "channels.list", func(ctx context.Context) error {
		_, err := c.ListChannels(ctx, "UC_test_channel")
		if err != nil {
			attemptErrs = append(attemptErrs, err)
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	require.Len(t, attemptErrs, 1)
	assert.ErrorIs(t, attemptErrs[0], common.ErrTransient)
	assert.NotErrorIs(t, attemptErrs[0], context.DeadlineExceeded)
	assert.Equal(t, retry.Retriable, retry.Classify(attemptErrs[0]))
}

func TestCallerCancellationIsNotRetried(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ListChannels(ctx, "UC_test_channel")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, retry.NonRetriable, retry.Classify(err))
}

func TestResolveChannelIdentifierCaches(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "creator", r.URL.Query().Get("forHandle"))
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"items": []map[string]interface{}{{"id": "UCresolvedchannel01"}},
		})
	})

	id := resolver.Identifier{Kind: resolver.KindHandle, Value: "creator", Pending: true}
	for i := 0; i < 2; i++ {
		channelID, err := c.ResolveChannelIdentifier(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "UCresolvedchannel01", channelID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestResolveCustomURLFallsBackToSearch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/channels"):
			writeJSON(t, w, http.StatusOK, map[string]interface{}{"items": []interface{}{}})
		case strings.HasSuffix(r.URL.Path, "/search"):
			assert.Equal(t, "Brand", r.URL.Query().Get("q"))
			assert.Equal(t, "channel", r.URL.Query().Get("type"))
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"items": []map[string]interface{}{{"id": map[string]interface{}{"channelId": "UCfromsearch0001"}}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	channelID, err := c.ResolveChannelIdentifier(context.Background(),
		resolver.Identifier{Kind: resolver.KindCustomURL, Value: "Brand", Pending: true})
	require.NoError(t, err)
	assert.Equal(t, "UCfromsearch0001", channelID)
}

func TestResolveUnknownUsername(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "nobody", r.URL.Query().Get("forUsername"))
		writeJSON(t, w, http.StatusOK, map[string]interface{}{})
	})

	_, err := c.ResolveChannelIdentifier(context.Background(),
		resolver.Identifier{Kind: resolver.KindUsername, Value: "nobody", Pending: true})
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = c.ResolveChannelIdentifier(context.Background(), resolver.Identifier{Kind: resolver.KindLiteral, Value: "x"})
	assert.ErrorIs(t, err, common.ErrInvalidChannelIdentifier)
}
