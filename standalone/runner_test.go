package standalone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/researchaccelerator-hub/youtube-collector/collector/collectortest"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/orchestrator"
	"github.com/researchaccelerator-hub/youtube-collector/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
}

const (
	channelA = "UCbatchchannelA"
	channelB = "UCbatchchannelB"
)

func fakeAPI() *collectortest.FakeAPI {
	api := collectortest.New()
	api.AddChannel(channelA, "Channel A", []string{"a1", "a2"})
	api.AddChannel(channelB, "Channel B", []string{"b1"})
	return api
}

func factory(api *collectortest.FakeAPI, gateway state.PersistenceGateway) OrchestratorFactory {
	return func() *orchestrator.Orchestrator {
		return orchestrator.New(api, nil, gateway,
			orchestrator.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	}
}

func options() youtube.CollectionOptions {
	opts := youtube.DefaultCollectionOptions()
	opts.FetchComments = false
	return opts
}

func TestRunCollectsAndStoresEveryChannel(t *testing.T) {
	api := fakeAPI()
	gateway := state.NewMemoryGateway()
	runner := NewRunner(factory(api, gateway), 2, ModeCollect)

	inputs := []string{channelA, "not a channel", channelB, channelA, ""}
	results, err := runner.Run(context.Background(), inputs, options())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "Channel A", results[0].ChannelName)
	assert.Len(t, results[0].Videos, 2)
	assert.True(t, results[0].Saved)

	assert.Equal(t, "not a channel", results[1].ChannelID)
	assert.NotEmpty(t, results[1].Error)

	assert.Equal(t, "Channel B", results[2].ChannelName)
	assert.True(t, results[2].Saved)

	for _, id := range []string{channelA, channelB} {
		stored, err := gateway.GetChannelData(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, stored, id)
	}
}

func TestRunRefreshComputesDelta(t *testing.T) {
	api := fakeAPI()
	gateway := state.NewMemoryGateway()
	ctx := context.Background()

	_, err := NewRunner(factory(api, gateway), 1, ModeCollect).Run(ctx, []string{channelA}, options())
	require.NoError(t, err)

	api.Video["a1"].Statistics.LikeCount = 9
	results, err := NewRunner(factory(api, gateway), 1, ModeRefresh).Run(ctx, []string{channelA}, options())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Delta)
	assert.Equal(t, 1, results[0].Delta.Summary.VideosChanged)
}

func TestRunDryRunStoresNothing(t *testing.T) {
	api := fakeAPI()
	gateway := state.NewMemoryGateway()

	results, err := NewRunner(factory(api, gateway), 3, ModeDryRun).Run(context.Background(), []string{channelB}, options())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Saved)

	stored, err := gateway.GetChannelData(context.Background(), channelB)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRunCancelled(t *testing.T) {
	api := fakeAPI()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := NewRunner(factory(api, nil), 1, ModeDryRun).Run(ctx, []string{channelA, channelB}, options())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEmpty(t, r.Error)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []*orchestrator.CollectionResult
}

func (s *recordingSink) Publish(ctx context.Context, result *orchestrator.CollectionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func TestRunPublishesEveryResult(t *testing.T) {
	api := fakeAPI()
	sink := &recordingSink{}
	runner := NewRunner(factory(api, nil), 2, ModeDryRun).PublishTo(sink)

	_, err := runner.Run(context.Background(), []string{channelA, channelB, "@nobody"}, options())
	require.NoError(t, err)
	assert.Len(t, sink.results, 3)
}
