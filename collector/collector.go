// Package collector performs the staged, paginated Data API calls of a
// collection run: channel, uploaded videos and comment threads. Every call is
// charged to the run's quota tracker and wrapped in the retry policy.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/normalize"
	"github.com/researchaccelerator-hub/youtube-collector/quota"
	"github.com/researchaccelerator-hub/youtube-collector/retry"
	"github.com/rs/zerolog/log"
	ytapi "google.golang.org/api/youtube/v3"
)

// Collector fetches and normalizes channel data for a single run. It is not
// safe for concurrent use.
type Collector struct {
	api     youtube.YouTubeAPI
	tracker *quota.Tracker
	policy  *retry.Policy
	uploads map[string]string
	fetched map[string]*youtube.ChannelRecord

	// Now stamps fetched records. Defaults to time.Now.
	Now func() time.Time
}

// New creates a Collector charging tracker and retrying with policy.
func New(api youtube.YouTubeAPI, tracker *quota.Tracker, policy *retry.Policy) *Collector {
	if policy == nil {
		policy = retry.NewPolicy(3)
	}
	return &Collector{
		api:     api,
		tracker: tracker,
		policy:  policy,
		uploads: make(map[string]string),
		fetched: make(map[string]*youtube.ChannelRecord),
		Now:     time.Now,
	}
}

// VideoPage is the outcome of FetchVideos.
type VideoPage struct {
	Videos []youtube.VideoRecord
	// NextPageToken is set when listing stopped at max_videos with more pages available.
	NextPageToken string
	// PaginationError is set when a page after the first failed.
	PaginationError *youtube.PaginationError
	// Interruption is the error behind PaginationError. It unwraps to
	// common.ErrPaginationInterrupted and to the cause.
	Interruption error
	PageCalls    int
}

// VideoComments holds the comments collected for one video.
type VideoComments struct {
	VideoID       string
	Comments      []youtube.CommentRecord
	Disabled      bool
	Error         string
	NextPageToken string
}

// call charges op and runs fn under the retry policy. Each attempt is charged.
func (c *Collector) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.policy.Do(ctx, op, func(ctx context.Context) error {
		if err := c.tracker.Charge(op); err != nil {
			return err
		}
		return fn(ctx)
	})
}

func emptyResponse(op string) error {
	return common.NewAPIError(0, "emptyResponse", op+" returned an empty response", nil)
}

func (c *Collector) timestamp() string {
	return common.FormatTimestamp(c.Now())
}

// FetchChannel fetches and validates one channel.
func (c *Collector) FetchChannel(ctx context.Context, channelID string) (*youtube.ChannelRecord, error) {
	var resp *ytapi.ChannelListResponse
	err := c.call(ctx, quota.OpChannelsList, func(ctx context.Context) error {
		r, err := c.api.ListChannels(ctx, channelID)
		if err != nil {
			return err
		}
		if r == nil {
			return emptyResponse(quota.OpChannelsList)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("channel %s: %w", channelID, common.ErrNotFound)
	}

	raw, err := normalize.ToMap(resp.Items[0])
	if err != nil {
		return nil, err
	}
	channel, err := normalize.NormalizeChannel(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize channel %s: %w", channelID, err)
	}
	now := c.timestamp()
	channel.FetchedAt = now
	channel.UpdatedAt = now

	c.uploads[channelID] = channel.UploadsPlaylistID
	c.fetched[channelID] = &channel
	log.Info().
		Str("channel_id", channel.ChannelID).
		Str("title", channel.ChannelName).
		Int64("subscribers", channel.SubscriberCount).
		Int64("video_count", channel.VideoCount).
		Msg("YouTube channel info retrieved")
	return &channel, nil
}

// FetchedChannel returns the channel record fetched by this Collector, either
// by FetchChannel or while looking up the uploads playlist in FetchVideos.
func (c *Collector) FetchedChannel(channelID string) (youtube.ChannelRecord, bool) {
	ch, ok := c.fetched[channelID]
	if !ok {
		return youtube.ChannelRecord{}, false
	}
	return *ch, true
}

func (c *Collector) uploadsPlaylist(ctx context.Context, channelID string) (string, error) {
	if id, ok := c.uploads[channelID]; ok && id != "" {
		return id, nil
	}
	channel, err := c.FetchChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	return channel.UploadsPlaylistID, nil
}

// FetchVideos lists up to maxVideos uploads of a channel (0 means all) starting
// at pageToken and fetches their details in batches of 50.
//
// A failure on the first listing page is returned as an error with no page. A
// failure on a later page ends the listing and is reported in
// VideoPage.PaginationError. A failure fetching details returns the videos
// detailed so far together with the error.
func (c *Collector) FetchVideos(ctx context.Context, channelID string, maxVideos int, pageToken string) (*VideoPage, error) {
	playlistID, err := c.uploadsPlaylist(ctx, channelID)
	if err != nil {
		return nil, err
	}

	page := &VideoPage{}
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	token := pageToken
	maxPages := 0
	if maxVideos > 0 {
		maxPages = (maxVideos+quota.VideoPageSize-1)/quota.VideoPageSize + 1
	}

	for {
		size := quota.VideoPageSize
		if maxVideos > 0 && maxVideos-len(ids) < size {
			size = maxVideos - len(ids)
		}

		var resp *ytapi.PlaylistItemListResponse
		requestToken := token
		err := c.call(ctx, quota.OpPlaylistItemsList, func(ctx context.Context) error {
			r, err := c.api.ListPlaylistItems(ctx, playlistID, requestToken, int64(size))
			if err != nil {
				return err
			}
			if r == nil {
				return emptyResponse(quota.OpPlaylistItemsList)
			}
			resp = r
			return nil
		})
		if err != nil {
			if page.PageCalls == 0 {
				return nil, fmt.Errorf("list videos of %s: %w", channelID, err)
			}
			log.Warn().Err(err).Str("channel_id", channelID).Str("page_token", requestToken).Int("videos_fetched", len(ids)).Msg("Video listing interrupted")
			page.Interruption = fmt.Errorf("%w after %d videos: %w", common.ErrPaginationInterrupted, len(ids), err)
			page.PaginationError = &youtube.PaginationError{
				Message:       err.Error(),
				NextPageToken: requestToken,
				VideosFetched: len(ids),
			}
			break
		}
		page.PageCalls++

		for _, item := range resp.Items {
			if maxVideos > 0 && len(ids) >= maxVideos {
				break
			}
			id := playlistItemVideoID(item)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}

		token = resp.NextPageToken
		if token == "" || len(resp.Items) == 0 {
			token = ""
			break
		}
		if maxVideos > 0 && (len(ids) >= maxVideos || page.PageCalls >= maxPages) {
			break
		}
	}
	page.NextPageToken = token

	log.Info().Str("channel_id", channelID).Int("video_ids", len(ids)).Int("pages", page.PageCalls).Msg("Listed channel uploads")

	videos, err := c.fetchVideoDetails(ctx, channelID, ids)
	page.Videos = videos
	if err != nil {
		return page, fmt.Errorf("video details of %s: %w", channelID, err)
	}
	return page, nil
}

func playlistItemVideoID(item *ytapi.PlaylistItem) string {
	if item == nil {
		return ""
	}
	if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
		return item.ContentDetails.VideoId
	}
	if item.Snippet != nil && item.Snippet.ResourceId != nil {
		return item.Snippet.ResourceId.VideoId
	}
	return ""
}

func (c *Collector) fetchVideoDetails(ctx context.Context, channelID string, ids []string) ([]youtube.VideoRecord, error) {
	videos := make([]youtube.VideoRecord, 0, len(ids))
	now := c.timestamp()

	for start := 0; start < len(ids); start += quota.VideoPageSize {
		end := start + quota.VideoPageSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		var resp *ytapi.VideoListResponse
		err := c.call(ctx, quota.OpVideosList, func(ctx context.Context) error {
			r, err := c.api.ListVideos(ctx, batch)
			if err != nil {
				return err
			}
			if r == nil {
				return emptyResponse(quota.OpVideosList)
			}
			resp = r
			return nil
		})
		if err != nil {
			return videos, err
		}

		byID := make(map[string]youtube.VideoRecord, len(resp.Items))
		for _, item := range resp.Items {
			raw, err := normalize.ToMap(item)
			if err != nil {
				log.Warn().Err(err).Str("video_id", item.Id).Msg("Skipping undecodable video")
				continue
			}
			v := normalize.NormalizeVideo(raw)
			byID[v.VideoID] = v
		}

		for _, id := range batch {
			v, ok := byID[id]
			if !ok {
				v = youtube.VideoRecord{VideoID: id, Error: "video unavailable"}
			}
			if v.ChannelID == "" {
				v.ChannelID = channelID
			}
			v.FetchedAt = now
			videos = append(videos, v)
		}
	}
	return videos, nil
}

// stopsCommentStage reports whether err must end the whole comment stage
// rather than just the current video.
func stopsCommentStage(err error) bool {
	return errors.Is(err, common.ErrQuotaExceeded) ||
		errors.Is(err, common.ErrAuth) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// FetchComments collects up to maxComments top-level comments per video and
// up to maxReplies replies per comment. pageToken resumes the first video.
//
// Disabled comments and per-video failures are annotated on the video. Quota
// and authentication failures end the stage: the videos processed so far are
// returned with the error.
func (c *Collector) FetchComments(ctx context.Context, videoIDs []string, maxComments, maxReplies int, pageToken string) ([]VideoComments, youtube.CommentStats, error) {
	results := make([]VideoComments, 0, len(videoIDs))
	if maxComments <= 0 {
		return results, youtube.CommentStats{}, nil
	}

	for i, videoID := range videoIDs {
		token := ""
		if i == 0 {
			token = pageToken
		}
		vc, err := c.fetchVideoComments(ctx, videoID, maxComments, maxReplies, token)
		results = append(results, vc)
		if err != nil {
			log.Warn().Err(err).Str("video_id", videoID).Int("videos_done", len(results)).Msg("Comment collection stopped")
			return results, Summarize(results), err
		}
	}

	stats := Summarize(results)
	log.Info().
		Int("videos", len(results)).
		Int("total_comments", stats.TotalComments).
		Int("disabled", stats.VideosWithDisabledComments).
		Int("errors", stats.VideosWithErrors).
		Msg("Comment collection finished")
	return results, stats, nil
}

func (c *Collector) fetchVideoComments(ctx context.Context, videoID string, maxComments, maxReplies int, token string) (VideoComments, error) {
	vc := VideoComments{VideoID: videoID}
	topLevel := 0

	for topLevel < maxComments {
		size := quota.CommentPageSize
		if maxComments-topLevel < size {
			size = maxComments - topLevel
		}

		var resp *ytapi.CommentThreadListResponse
		requestToken := token
		err := c.call(ctx, quota.OpCommentThreadsList, func(ctx context.Context) error {
			r, err := c.api.ListCommentThreads(ctx, videoID, requestToken, int64(size))
			if err != nil {
				return err
			}
			if r == nil {
				return emptyResponse(quota.OpCommentThreadsList)
			}
			resp = r
			return nil
		})
		if err != nil {
			switch {
			case errors.Is(err, common.ErrCommentsDisabled):
				log.Debug().Str("video_id", videoID).Msg("Comments disabled")
				vc.Disabled = true
				return vc, nil
			case stopsCommentStage(err):
				vc.NextPageToken = requestToken
				return vc, err
			default:
				vc.Error = err.Error()
				vc.NextPageToken = requestToken
				return vc, nil
			}
		}

		for _, thread := range resp.Items {
			if topLevel >= maxComments {
				break
			}
			raw, err := normalize.ToMap(thread)
			if err != nil {
				continue
			}
			top := normalize.NormalizeComment(raw)
			if top.VideoID == "" {
				top.VideoID = videoID
			}
			vc.Comments = append(vc.Comments, top)
			topLevel++

			if maxReplies > 0 && top.TotalReplyCount > 0 {
				replies, err := c.fetchReplies(ctx, top, thread, maxReplies)
				vc.Comments = append(vc.Comments, replies...)
				if err != nil {
					if stopsCommentStage(err) {
						return vc, err
					}
					log.Warn().Err(err).Str("comment_id", top.CommentID).Msg("Failed to fetch replies")
				}
			}
		}

		token = resp.NextPageToken
		if token == "" || len(resp.Items) == 0 {
			break
		}
	}
	return vc, nil
}

// fetchReplies uses the replies inlined in the thread when they cover what is
// wanted and pages comments.list otherwise.
func (c *Collector) fetchReplies(ctx context.Context, top youtube.CommentRecord, thread *ytapi.CommentThread, maxReplies int) ([]youtube.CommentRecord, error) {
	var inline []*ytapi.Comment
	if thread.Replies != nil {
		inline = thread.Replies.Comments
	}

	if int64(len(inline)) >= top.TotalReplyCount || len(inline) >= maxReplies {
		return c.replyRecords(top, inline, maxReplies), nil
	}

	var collected []*ytapi.Comment
	token := ""
	for len(collected) < maxReplies {
		size := quota.CommentPageSize
		if maxReplies-len(collected) < size {
			size = maxReplies - len(collected)
		}

		var resp *ytapi.CommentListResponse
		requestToken := token
		err := c.call(ctx, quota.OpCommentsList, func(ctx context.Context) error {
			r, err := c.api.ListComments(ctx, top.CommentID, requestToken, int64(size))
			if err != nil {
				return err
			}
			if r == nil {
				return emptyResponse(quota.OpCommentsList)
			}
			resp = r
			return nil
		})
		if err != nil {
			return c.replyRecords(top, collected, maxReplies), err
		}

		collected = append(collected, resp.Items...)
		token = resp.NextPageToken
		if token == "" || len(resp.Items) == 0 {
			break
		}
	}
	return c.replyRecords(top, collected, maxReplies), nil
}

func (c *Collector) replyRecords(top youtube.CommentRecord, items []*ytapi.Comment, maxReplies int) []youtube.CommentRecord {
	out := make([]youtube.CommentRecord, 0, len(items))
	for _, item := range items {
		if len(out) >= maxReplies {
			break
		}
		raw, err := normalize.ToMap(item)
		if err != nil {
			continue
		}
		reply := normalize.NormalizeComment(raw)
		if reply.VideoID == "" {
			reply.VideoID = top.VideoID
		}
		if reply.ParentID == "" {
			reply.ParentID = top.CommentID
		}
		out = append(out, reply)
	}
	return out
}

// Summarize computes comment statistics. Replies whose parent is not among the
// video's collected comments are counted as orphans.
func Summarize(results []VideoComments) youtube.CommentStats {
	var stats youtube.CommentStats
	for _, vc := range results {
		stats.TotalComments += len(vc.Comments)
		if len(vc.Comments) > 0 {
			stats.VideosWithComments++
		}
		if vc.Disabled {
			stats.VideosWithDisabledComments++
		}
		if vc.Error != "" {
			stats.VideosWithErrors++
		}

		ids := make(map[string]struct{}, len(vc.Comments))
		for _, cm := range vc.Comments {
			ids[cm.CommentID] = struct{}{}
		}
		for _, cm := range vc.Comments {
			if !cm.IsReply() {
				continue
			}
			if _, ok := ids[cm.ParentID]; !ok {
				stats.OrphanReplies++
				log.Warn().Str("video_id", vc.VideoID).Str("comment_id", cm.CommentID).Str("parent_id", cm.ParentID).Msg("Reply references a comment outside the collected set")
			}
		}
	}
	return stats
}
