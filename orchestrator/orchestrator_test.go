package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/researchaccelerator-hub/youtube-collector/collector/collectortest"
	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/delta"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChannel = "UCorchestrator01"

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestOrchestrator(api *collectortest.FakeAPI, gateway state.PersistenceGateway) *Orchestrator {
	return New(api, nil, gateway,
		WithSleep(noSleep),
		WithClock(fixedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))),
	)
}

func threeVideoChannel() *collectortest.FakeAPI {
	api := collectortest.New()
	api.AddChannel(testChannel, "Orchestrated", []string{"v1", "v2", "v3"})
	for _, id := range []string{"v1", "v2", "v3"} {
		api.AddComments(id, 2, 0, 0)
	}
	return api
}

func smallRun() youtube.CollectionOptions {
	opts := youtube.DefaultCollectionOptions()
	opts.MaxVideos = 3
	return opts
}

func TestCollectNewChannel(t *testing.T) {
	api := threeVideoChannel()
	o := newTestOrchestrator(api, nil)
	opts := smallRun()

	result, err := o.Collect(context.Background(), testChannel, opts, nil)
	require.NoError(t, err)

	assert.Equal(t, testChannel, result.ChannelID)
	assert.Equal(t, "Orchestrated", result.ChannelName)
	require.Len(t, result.Videos, 3)
	for _, v := range result.Videos {
		assert.Len(t, v.Comments, 2, v.VideoID)
	}
	assert.Equal(t, 3, result.VideosFetched)
	assert.Equal(t, 6, result.CommentStats.TotalComments)
	assert.Nil(t, result.Delta)
	assert.False(t, result.Partial())
	assert.NotEmpty(t, result.RunID)

	// channels + playlistItems + videos + one commentThreads page per video
	assert.Equal(t, 6, result.QuotaUsed)
	assert.Equal(t, o.Estimate(opts, nil), result.QuotaUsed)
	assert.Equal(t, opts.QuotaLimit-6, result.QuotaRemaining)

	assert.Equal(t, []State{
		StateIdle,
		StateResolvingChannel,
		StateCheckingQuota,
		StateFetchingChannel,
		StateFetchingVideos,
		StateFetchingComments,
		StateNormalizing,
		StateDone,
	}, o.History())
}

func TestCollectChannelOnly(t *testing.T) {
	api := collectortest.New()
	api.AddChannel("UC_test_channel", "Empty", nil)
	o := newTestOrchestrator(api, nil)

	opts := youtube.DefaultCollectionOptions()
	opts.FetchVideos = false
	opts.FetchComments = false

	result, err := o.Collect(context.Background(), "UC_test_channel", opts, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Videos)
	assert.Equal(t, 1, api.Calls(collectortest.Channels))
	assert.Equal(t, 0, api.Calls(collectortest.PlaylistItems))
	assert.Equal(t, 0, api.Calls(collectortest.CommentThreads))
	assert.Equal(t, 1, result.QuotaUsed)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "UC_test_channel", out["channel_id"])
	assert.Equal(t, "0", out["total_videos"])
	assert.NotContains(t, out, "video_id")
}

func TestCollectVideosOnlyKeepsChannelRecord(t *testing.T) {
	api := threeVideoChannel()
	gateway := state.NewMemoryGateway()
	o := newTestOrchestrator(api, gateway)
	ctx := context.Background()

	first, err := o.Collect(ctx, testChannel, smallRun(), nil)
	require.NoError(t, err)
	require.NoError(t, o.Save(ctx, first))

	opts := smallRun()
	opts.FetchChannelData = false
	second, err := o.Collect(ctx, testChannel, opts, nil)
	require.NoError(t, err)
	// the uploads playlist lookup fetched the channel once more
	assert.Equal(t, 2, api.Calls(collectortest.Channels))
	assert.Equal(t, "Orchestrated", second.ChannelName)
	assert.Equal(t, int64(1000), second.SubscriberCount)
	assert.NotContains(t, o.History(), StateFetchingChannel)

	require.NoError(t, o.Save(ctx, second))
	stored, err := gateway.GetChannelData(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, "Orchestrated", stored["channel_name"])
	assert.Equal(t, "1000", stored["subscribers"])
}

func TestSaveKeepsStoredChannelWhenNotFetched(t *testing.T) {
	api := threeVideoChannel()
	gateway := state.NewMemoryGateway()
	o := newTestOrchestrator(api, gateway)
	ctx := context.Background()

	first, err := o.Collect(ctx, testChannel, smallRun(), nil)
	require.NoError(t, err)
	require.NoError(t, o.Save(ctx, first))

	opts := smallRun()
	opts.FetchChannelData = false
	opts.FetchVideos = false
	opts.FetchComments = false
	bare, err := o.Collect(ctx, testChannel, opts, nil)
	require.NoError(t, err)
	assert.Empty(t, bare.ChannelName)
	assert.Equal(t, 1, api.Calls(collectortest.Channels))

	require.NoError(t, o.Save(ctx, bare))
	stored, err := gateway.GetChannelData(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, "Orchestrated", stored["channel_name"])
	assert.Equal(t, "1000", stored["subscribers"])
	assert.Len(t, stored["video_id"], 3)
}

func TestCollectPreflightQuota(t *testing.T) {
	api := threeVideoChannel()
	o := newTestOrchestrator(api, nil)
	opts := smallRun()
	opts.QuotaLimit = 2

	result, err := o.Collect(context.Background(), testChannel, opts, nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, common.ErrQuotaExceeded))
	assert.Equal(t, 0, api.TotalCalls())
	assert.Equal(t, StateError, o.State())
}

func TestCollectTerminalFailures(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		setup   func(api *collectortest.FakeAPI)
		wantErr error
	}{
		{
			name:    "unresolvable input",
			input:   "just some words",
			wantErr: common.ErrInvalidChannelIdentifier,
		},
		{
			name:    "unknown channel",
			input:   "UCdoesnotexist",
			wantErr: common.ErrNotFound,
		},
		{
			name:  "auth failure during video listing",
			input: testChannel,
			setup: func(api *collectortest.FakeAPI) {
				api.FailAlways[collectortest.PlaylistItems] = common.NewAPIError(401, "authError", "invalid key", nil)
			},
			wantErr: common.ErrAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := threeVideoChannel()
			if tt.setup != nil {
				tt.setup(api)
			}
			o := newTestOrchestrator(api, nil)

			result, err := o.Collect(context.Background(), tt.input, smallRun(), nil)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, tt.wantErr), err.Error())
			assert.Equal(t, StateError, o.State())
		})
	}
}

func TestCollectVideoStageFailureIsRecorded(t *testing.T) {
	api := threeVideoChannel()
	api.FailAlways[collectortest.PlaylistItems] = collectortest.Unavailable()
	o := newTestOrchestrator(api, nil)

	result, err := o.Collect(context.Background(), testChannel, smallRun(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Orchestrated", result.ChannelName)
	assert.Empty(t, result.Videos)
	assert.NotEmpty(t, result.ErrorVideos)
	assert.True(t, result.Partial())
	// 1 call plus 3 retries
	assert.Equal(t, 4, api.Calls(collectortest.PlaylistItems))
	assert.Equal(t, 0, api.Calls(collectortest.CommentThreads))
	assert.NotContains(t, o.History(), StateFetchingComments)
}

func TestCollectCommentQuotaExhaustionSavesPartialResult(t *testing.T) {
	api := threeVideoChannel()
	api.FailAlways[collectortest.CommentThreads] = collectortest.QuotaExceeded()
	gateway := state.NewMemoryGateway()
	o := newTestOrchestrator(api, gateway)

	result, err := o.Collect(context.Background(), testChannel, smallRun(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Orchestrated", result.ChannelName)
	require.Len(t, result.Videos, 3)
	for _, v := range result.Videos {
		assert.Empty(t, v.Comments)
	}
	assert.Contains(t, result.ErrorComments, "quota")
	assert.Equal(t, 1, api.Calls(collectortest.CommentThreads))
	assert.True(t, result.Saved)

	stored, err := gateway.GetChannelData(context.Background(), testChannel)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Orchestrated", stored["channel_name"])
}

func TestRefreshReportsDelta(t *testing.T) {
	api := threeVideoChannel()
	gateway := state.NewMemoryGateway()
	o := newTestOrchestrator(api, gateway)
	ctx := context.Background()

	first, err := o.Refresh(ctx, testChannel, smallRun())
	require.NoError(t, err)
	assert.True(t, first.Saved)
	assert.Nil(t, first.Delta)

	api.Channel[testChannel].Statistics.SubscriberCount = 1500
	api.Video["v2"].Statistics.ViewCount = 15

	second, err := o.Refresh(ctx, "orchestrated", smallRun())
	require.NoError(t, err)
	require.NotNil(t, second.Delta)
	assert.Contains(t, o.History(), StateDiffing)

	assert.Equal(t, delta.Summary{ChannelFieldsChanged: 1, VideosChanged: 1}, second.Delta.Summary)

	require.Len(t, second.Delta.Channel, 1)
	subs := second.Delta.Channel[0]
	assert.Equal(t, "subscriber_count", subs.Field)
	assert.Equal(t, "+500 (50.0%)", subs.Presentation())

	require.Len(t, second.Delta.Videos, 1)
	assert.Equal(t, "v2", second.Delta.Videos[0].ID)
	require.Len(t, second.Delta.Videos[0].Fields, 1)
	views := second.Delta.Videos[0].Fields[0]
	assert.Equal(t, "view_count", views.Field)
	require.NotNil(t, views.Delta)
	assert.Equal(t, 5.0, *views.Delta)

	stored, err := gateway.GetChannelData(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, "1500", stored["subscribers"])
}

func TestCollectLimitedFetchKeepsUnfetchedVideos(t *testing.T) {
	api := collectortest.New()
	api.AddChannel(testChannel, "Orchestrated", []string{"v1", "v2", "v3", "v4", "v5"})
	o := newTestOrchestrator(api, nil)
	ctx := context.Background()

	opts := youtube.DefaultCollectionOptions()
	opts.MaxVideos = 0
	opts.FetchComments = false
	full, err := o.Collect(ctx, testChannel, opts, nil)
	require.NoError(t, err)
	require.Len(t, full.Videos, 5)

	opts.MaxVideos = 2
	limited, err := o.Collect(ctx, testChannel, opts, full.ToRecord())
	require.NoError(t, err)

	assert.Equal(t, 2, limited.VideosFetched)
	assert.NotEmpty(t, limited.NextPageToken)
	assert.Len(t, limited.Videos, 5)
	require.NotNil(t, limited.Delta)
	assert.Zero(t, limited.Delta.Summary.VideosRemoved)
	assert.False(t, limited.Delta.HasChanges())
}

func TestCollectIsIdempotent(t *testing.T) {
	api := threeVideoChannel()
	ctx := context.Background()

	first := New(api, nil, nil, WithSleep(noSleep), WithClock(fixedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))))
	a, err := first.Collect(ctx, testChannel, smallRun(), nil)
	require.NoError(t, err)

	second := New(api, nil, nil, WithSleep(noSleep), WithClock(fixedClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))))
	b, err := second.Collect(ctx, testChannel, smallRun(), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.FetchedAt, b.FetchedAt)
	assert.Equal(t, withoutTimestamps(a.ToRecord()), withoutTimestamps(b.ToRecord()))
}

func withoutTimestamps(record map[string]interface{}) map[string]interface{} {
	delete(record, "fetched_at")
	delete(record, "updated_at")
	for _, v := range record["video_id"].([]interface{}) {
		delete(v.(map[string]interface{}), "fetched_at")
	}
	return record
}

func TestCollectOptimizeQuotaPrefersPopularVideos(t *testing.T) {
	api := collectortest.New()
	api.AddChannel(testChannel, "Orchestrated", []string{"quiet", "loud", "medium"}, 5, 500, 50)
	for _, id := range []string{"quiet", "loud", "medium"} {
		api.AddComments(id, 2, 0, 0)
	}
	o := newTestOrchestrator(api, nil)

	opts := smallRun()
	opts.OptimizeQuota = true
	// channel, one listing page and one details batch leave room for a single comment page
	opts.QuotaLimit = 4

	result, err := o.Collect(context.Background(), testChannel, opts, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, api.Calls(collectortest.CommentThreads))
	assert.Equal(t, 4, result.QuotaUsed)
	assert.Empty(t, result.ErrorComments)
	for _, v := range result.Videos {
		if v.VideoID == "loud" {
			assert.Len(t, v.Comments, 2)
		} else {
			assert.Empty(t, v.Comments, v.VideoID)
		}
	}
}

func TestCollectOptimizeQuotaKeepsStoredComments(t *testing.T) {
	api := threeVideoChannel()
	o := newTestOrchestrator(api, nil)
	ctx := context.Background()

	full, err := o.Collect(ctx, testChannel, smallRun(), nil)
	require.NoError(t, err)

	opts := smallRun()
	opts.OptimizeQuota = true
	opts.QuotaLimit = 4
	trimmed, err := o.Collect(ctx, testChannel, opts, full.ToRecord())
	require.NoError(t, err)
	assert.Equal(t, 4, api.Calls(collectortest.CommentThreads))

	require.Len(t, trimmed.Videos, 3)
	for _, v := range trimmed.Videos {
		assert.Len(t, v.Comments, 2, v.VideoID)
	}
	require.NotNil(t, trimmed.Delta)
	assert.Zero(t, trimmed.Delta.Summary.CommentsRemoved)
}

func TestCollectOptimizeQuotaNeverSpendsMore(t *testing.T) {
	run := func(optimize bool) int {
		api := threeVideoChannel()
		o := newTestOrchestrator(api, nil)
		opts := smallRun()
		opts.OptimizeQuota = optimize
		result, err := o.Collect(context.Background(), testChannel, opts, nil)
		require.NoError(t, err)
		return result.QuotaUsed
	}
	assert.LessOrEqual(t, run(true), run(false))
}

type failingGateway struct {
	*state.MemoryGateway
}

func (f failingGateway) StoreChannelData(ctx context.Context, data map[string]interface{}) error {
	return errors.New("disk full")
}

func TestRefreshRecordsStoreFailure(t *testing.T) {
	api := threeVideoChannel()
	o := newTestOrchestrator(api, failingGateway{state.NewMemoryGateway()})

	result, err := o.Refresh(context.Background(), testChannel, smallRun())
	require.NoError(t, err)
	assert.False(t, result.Saved)
	assert.Contains(t, result.ErrorDatabase, "disk full")
	assert.Len(t, result.Videos, 3)
}

func TestFailedResult(t *testing.T) {
	r := FailedResult("@someone", common.ErrInvalidChannelIdentifier)
	assert.Equal(t, "@someone", r.ChannelID)
	assert.NotEmpty(t, r.Error)
	assert.True(t, r.Partial())
}
