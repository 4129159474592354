package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/resolver"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"
)

const (
	defaultRequestsPerSecond = 5.0
	defaultHTTPTimeout       = 30 * time.Second
	defaultLookupCacheSize   = 1000
)

var (
	channelParts       = []string{"snippet", "statistics", "contentDetails"}
	playlistItemParts  = []string{"snippet", "contentDetails"}
	videoParts         = []string{"snippet", "statistics", "contentDetails"}
	commentThreadParts = []string{"snippet", "replies"}
	commentParts       = []string{"snippet"}
)

// ErrNotConnected is returned when a call is made before Connect.
var ErrNotConnected = errors.New("YouTube client not connected")

// DataClientConfig configures a YouTubeDataClient.
type DataClientConfig struct {
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
	// Endpoint overrides the Data API base URL. Empty means the public API.
	Endpoint        string
	LookupCacheSize int
}

// YouTubeDataClient talks to the YouTube Data API v3. It implements
// youtube.YouTubeAPI for the collector and resolver.ChannelLookup for the resolver.
type YouTubeDataClient struct {
	service     *ytapi.Service
	config      DataClientConfig
	limiter     *rate.Limiter
	lookupCache *lru.Cache[string, string]
}

// NewYouTubeDataClient creates a new YouTube data client
func NewYouTubeDataClient(cfg DataClientConfig) (*YouTubeDataClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("YouTube API key is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.LookupCacheSize <= 0 {
		cfg.LookupCacheSize = defaultLookupCacheSize
	}

	cache, err := lru.New[string, string](cfg.LookupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}

	return &YouTubeDataClient{
		config:      cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		lookupCache: cache,
	}, nil
}

// Connect establishes a connection to the YouTube API
func (c *YouTubeDataClient) Connect(ctx context.Context) error {
	log.Info().Msg("Connecting to YouTube API")

	opts := []option.ClientOption{option.WithAPIKey(c.config.APIKey)}
	if c.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.config.Endpoint))
	}

	service, err := ytapi.NewService(ctx, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create YouTube service")
		return fmt.Errorf("failed to create YouTube service: %w", err)
	}

	c.service = service
	log.Info().Msg("Connected to YouTube API successfully")
	return nil
}

// Disconnect closes the connection to the YouTube API
func (c *YouTubeDataClient) Disconnect(ctx context.Context) error {
	c.service = nil
	return nil
}

// begin waits for the rate limiter and bounds the request with the HTTP timeout.
func (c *YouTubeDataClient) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.service == nil {
		return nil, nil, ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	return reqCtx, cancel, nil
}

// ListChannels fetches a channel by ID.
func (c *YouTubeDataClient) ListChannels(ctx context.Context, channelID string) (*ytapi.ChannelListResponse, error) {
	reqCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	log.Debug().Str("channel_id", channelID).Msg("channels.list")
	resp, err := c.service.Channels.List(channelParts).Id(channelID).MaxResults(1).Context(reqCtx).Do()
	if err != nil {
		return nil, wrapAPIError(ctx, "channels.list", err)
	}
	return resp, nil
}

// ListPlaylistItems fetches one page of a playlist.
func (c *YouTubeDataClient) ListPlaylistItems(ctx context.Context, playlistID, pageToken string, maxResults int64) (*ytapi.PlaylistItemListResponse, error) {
	reqCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	call := c.service.PlaylistItems.List(playlistItemParts).
		PlaylistId(playlistID).
		MaxResults(maxResults).
		Context(reqCtx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	log.Debug().Str("playlist_id", playlistID).Str("page_token", pageToken).Int64("max_results", maxResults).Msg("playlistItems.list")
	resp, err := call.Do()
	if err != nil {
		return nil, wrapAPIError(ctx, "playlistItems.list", err)
	}
	return resp, nil
}

// ListVideos fetches details for a batch of at most 50 videos.
func (c *YouTubeDataClient) ListVideos(ctx context.Context, videoIDs []string) (*ytapi.VideoListResponse, error) {
	reqCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	log.Debug().Int("batch_size", len(videoIDs)).Msg("videos.list")
	resp, err := c.service.Videos.List(videoParts).Id(videoIDs...).Context(reqCtx).Do()
	if err != nil {
		return nil, wrapAPIError(ctx, "videos.list", err)
	}
	return resp, nil
}

// ListCommentThreads fetches one page of top-level comments for a video.
func (c *YouTubeDataClient) ListCommentThreads(ctx context.Context, videoID, pageToken string, maxResults int64) (*ytapi.CommentThreadListResponse, error) {
	reqCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	call := c.service.CommentThreads.List(commentThreadParts).
		VideoId(videoID).
		MaxResults(maxResults).
		TextFormat("plainText").
		Context(reqCtx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	log.Debug().Str("video_id", videoID).Str("page_token", pageToken).Msg("commentThreads.list")
	resp, err := call.Do()
	if err != nil {
		return nil, wrapAPIError(ctx, "commentThreads.list", err)
	}
	return resp, nil
}

// ListComments fetches one page of replies to a top-level comment.
func (c *YouTubeDataClient) ListComments(ctx context.Context, parentID, pageToken string, maxResults int64) (*ytapi.CommentListResponse, error) {
	reqCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	call := c.service.Comments.List(commentParts).
		ParentId(parentID).
		MaxResults(maxResults).
		TextFormat("plainText").
		Context(reqCtx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	log.Debug().Str("parent_id", parentID).Str("page_token", pageToken).Msg("comments.list")
	resp, err := call.Do()
	if err != nil {
		return nil, wrapAPIError(ctx, "comments.list", err)
	}
	return resp, nil
}

// ResolveChannelIdentifier looks up the channel ID behind a handle, custom URL
// name or legacy username. Results are cached for the life of the client.
func (c *YouTubeDataClient) ResolveChannelIdentifier(ctx context.Context, id resolver.Identifier) (string, error) {
	if id.Kind == resolver.KindChannelID {
		return id.Value, nil
	}

	key := string(id.Kind) + ":" + strings.ToLower(id.Value)
	if channelID, ok := c.lookupCache.Get(key); ok {
		log.Debug().Str("identifier", id.String()).Str("channel_id", channelID).Msg("Channel lookup cache hit")
		return channelID, nil
	}

	var (
		channelID string
		err       error
	)
	switch id.Kind {
	case resolver.KindHandle:
		channelID, err = c.lookupChannel(ctx, func(call *ytapi.ChannelsListCall) *ytapi.ChannelsListCall {
			return call.ForHandle(id.Value)
		})
	case resolver.KindUsername:
		channelID, err = c.lookupChannel(ctx, func(call *ytapi.ChannelsListCall) *ytapi.ChannelsListCall {
			return call.ForUsername(id.Value)
		})
	case resolver.KindCustomURL:
		// custom names usually match the handle; search is the expensive fallback
		channelID, err = c.lookupChannel(ctx, func(call *ytapi.ChannelsListCall) *ytapi.ChannelsListCall {
			return call.ForHandle(id.Value)
		})
		if errors.Is(err, common.ErrNotFound) {
			channelID, err = c.searchChannel(ctx, id.Value)
		}
	default:
		return "", fmt.Errorf("%w: cannot look up %s", common.ErrInvalidChannelIdentifier, id)
	}
	if err != nil {
		return "", err
	}

	c.lookupCache.Add(key, channelID)
	log.Info().Str("identifier", id.String()).Str("channel_id", channelID).Msg("Resolved channel identifier")
	return channelID, nil
}

func (c *YouTubeDataClient) lookupChannel(ctx context.Context, filter func(*ytapi.ChannelsListCall) *ytapi.ChannelsListCall) (string, error) {
	reqCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	resp, err := filter(c.service.Channels.List([]string{"id"})).MaxResults(1).Context(reqCtx).Do()
	if err != nil {
		return "", wrapAPIError(ctx, "channels.list", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == "" {
		return "", fmt.Errorf("channel lookup: %w", common.ErrNotFound)
	}
	return resp.Items[0].Id, nil
}

func (c *YouTubeDataClient) searchChannel(ctx context.Context, query string) (string, error) {
	reqCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	resp, err := c.service.Search.List([]string{"snippet"}).
		Q(query).
		Type("channel").
		MaxResults(1).
		Context(reqCtx).
		Do()
	if err != nil {
		return "", wrapAPIError(ctx, "search.list", err)
	}
	for _, item := range resp.Items {
		if item.Id != nil && item.Id.ChannelId != "" {
			return item.Id.ChannelId, nil
		}
		if item.Snippet != nil && item.Snippet.ChannelId != "" {
			return item.Snippet.ChannelId, nil
		}
	}
	return "", fmt.Errorf("channel search for %q: %w", query, common.ErrNotFound)
}

// wrapAPIError classifies a Data API failure into the error taxonomy. ctx is
// the caller's context, not the per-request one: when it is done the failure
// is reported as its error and is never retried.
func wrapAPIError(ctx context.Context, operation string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", operation, ctxErr)
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		reason := ""
		if len(gErr.Errors) > 0 {
			reason = gErr.Errors[0].Reason
		}
		log.Debug().Str("operation", operation).Int("status", gErr.Code).Str("reason", reason).Msg("YouTube API error")
		return common.NewAPIError(gErr.Code, reason, fmt.Sprintf("%s: %s", operation, gErr.Message), err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// only the request timed out; the cause is dropped so the run's
		// context checks do not mistake it for their own deadline
		return common.NewAPIError(0, "timeout", fmt.Sprintf("%s: request timed out: %v", operation, err), nil)
	}

	// transport failures carry no status and are worth retrying
	return common.NewAPIError(0, "transport", fmt.Sprintf("%s: %v", operation, err), err)
}
