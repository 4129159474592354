// Package youtube contains the canonical YouTube data models shared by the collection pipeline
package youtube

import (
	"context"

	ytapi "google.golang.org/api/youtube/v3"
)

// Thumbnails holds the three thumbnail URLs kept for channels and videos.
type Thumbnails struct {
	Default string `json:"default"`
	Medium  string `json:"medium"`
	High    string `json:"high"`
}

// ChannelRecord is the canonical, flat representation of a channel.
type ChannelRecord struct {
	ChannelID         string     `json:"channel_id"`
	ChannelName       string     `json:"channel_name"`
	Description       string     `json:"description"`
	SubscriberCount   int64      `json:"subscriber_count"`
	ViewCount         int64      `json:"view_count"`
	VideoCount        int64      `json:"video_count"`
	UploadsPlaylistID string     `json:"uploads_playlist_id"`
	PublishedAt       string     `json:"published_at"`
	Country           string     `json:"country"`
	CustomURL         string     `json:"custom_url"`
	Thumbnails        Thumbnails `json:"thumbnails"`
	FetchedAt         string     `json:"fetched_at"`
	UpdatedAt         string     `json:"updated_at"`
}

// Fields returns the comparable scalar fields of the channel keyed by canonical name.
// Timestamps of the collection itself are left out.
func (c ChannelRecord) Fields() map[string]interface{} {
	return map[string]interface{}{
		"channel_id":          c.ChannelID,
		"channel_name":        c.ChannelName,
		"description":         c.Description,
		"subscriber_count":    c.SubscriberCount,
		"view_count":          c.ViewCount,
		"video_count":         c.VideoCount,
		"uploads_playlist_id": c.UploadsPlaylistID,
		"published_at":        c.PublishedAt,
		"country":             c.Country,
		"custom_url":          c.CustomURL,
		"thumbnail_default":   c.Thumbnails.Default,
		"thumbnail_medium":    c.Thumbnails.Medium,
		"thumbnail_high":      c.Thumbnails.High,
	}
}

// VideoRecord is the canonical representation of a video. CommentCount is the
// API-reported count and may exceed len(Comments).
type VideoRecord struct {
	VideoID          string          `json:"video_id"`
	ChannelID        string          `json:"channel_id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	PublishedAt      string          `json:"published_at"`
	ViewCount        int64           `json:"view_count"`
	LikeCount        int64           `json:"like_count"`
	CommentCount     int64           `json:"comment_count"`
	Duration         string          `json:"duration"`
	ThumbnailURL     string          `json:"thumbnail_url,omitempty"`
	CommentsDisabled bool            `json:"comments_disabled,omitempty"`
	Error            string          `json:"error,omitempty"`
	Comments         []CommentRecord `json:"comments,omitempty"`
	FetchedAt        string          `json:"fetched_at,omitempty"`
}

// Fields returns the comparable scalar fields of the video. Nested comments are
// compared separately.
func (v VideoRecord) Fields() map[string]interface{} {
	return map[string]interface{}{
		"video_id":          v.VideoID,
		"channel_id":        v.ChannelID,
		"title":             v.Title,
		"description":       v.Description,
		"published_at":      v.PublishedAt,
		"view_count":        v.ViewCount,
		"like_count":        v.LikeCount,
		"comment_count":     v.CommentCount,
		"duration":          v.Duration,
		"thumbnail_url":     v.ThumbnailURL,
		"comments_disabled": v.CommentsDisabled,
		"error":             v.Error,
	}
}

// CommentRecord is the canonical representation of a comment or reply.
type CommentRecord struct {
	CommentID         string `json:"comment_id"`
	VideoID           string `json:"video_id"`
	Text              string `json:"text"`
	AuthorDisplayName string `json:"author_display_name"`
	AuthorChannelID   string `json:"author_channel_id"`
	LikeCount         int64  `json:"like_count"`
	PublishedAt       string `json:"published_at"`
	UpdatedAt         string `json:"updated_at"`
	ParentID          string `json:"parent_id,omitempty"`
	TotalReplyCount   int64  `json:"total_reply_count,omitempty"`
}

// IsReply reports whether the comment answers another comment.
func (c CommentRecord) IsReply() bool {
	return c.ParentID != ""
}

// Fields returns the comparable fields of the comment.
func (c CommentRecord) Fields() map[string]interface{} {
	return map[string]interface{}{
		"comment_id":          c.CommentID,
		"video_id":            c.VideoID,
		"text":                c.Text,
		"author_display_name": c.AuthorDisplayName,
		"author_channel_id":   c.AuthorChannelID,
		"like_count":          c.LikeCount,
		"published_at":        c.PublishedAt,
		"updated_at":          c.UpdatedAt,
		"parent_id":           c.ParentID,
		"total_reply_count":   c.TotalReplyCount,
	}
}

// CollectionOptions selects which stages a collection run performs and how much it may spend.
type CollectionOptions struct {
	FetchChannelData     bool   `json:"fetch_channel_data" mapstructure:"fetch_channel_data"`
	FetchVideos          bool   `json:"fetch_videos" mapstructure:"fetch_videos"`
	FetchComments        bool   `json:"fetch_comments" mapstructure:"fetch_comments"`
	MaxVideos            int    `json:"max_videos" mapstructure:"max_videos"`                           // 0 = all
	MaxCommentsPerVideo  int    `json:"max_comments_per_video" mapstructure:"max_comments_per_video"`   // 0 = skip comments
	MaxRepliesPerComment int    `json:"max_replies_per_comment" mapstructure:"max_replies_per_comment"` // 0 = no replies
	RetryAttempts        int    `json:"retry_attempts" mapstructure:"retry_attempts"`
	QuotaLimit           int    `json:"quota_limit" mapstructure:"quota_limit"`
	OptimizeQuota        bool   `json:"optimize_quota" mapstructure:"optimize_quota"`
	PageToken            string `json:"page_token,omitempty" mapstructure:"page_token"`
	ComprehensiveDelta   bool   `json:"comprehensive_delta" mapstructure:"comprehensive_delta"`
}

// DefaultCollectionOptions returns the options used by a "new channel" collection.
func DefaultCollectionOptions() CollectionOptions {
	return CollectionOptions{
		FetchChannelData:     true,
		FetchVideos:          true,
		FetchComments:        true,
		MaxVideos:            50,
		MaxCommentsPerVideo:  20,
		MaxRepliesPerComment: 0,
		RetryAttempts:        3,
		QuotaLimit:           10000,
		OptimizeQuota:        false,
	}
}

// CommentStats summarises the comment stage of a run.
type CommentStats struct {
	TotalComments              int `json:"total_comments"`
	VideosWithComments         int `json:"videos_with_comments"`
	VideosWithDisabledComments int `json:"videos_with_disabled_comments"`
	VideosWithErrors           int `json:"videos_with_errors"`
	OrphanReplies              int `json:"orphan_replies"`
}

// PaginationError records where a video listing stopped so that a caller can resume.
type PaginationError struct {
	Message       string `json:"message"`
	NextPageToken string `json:"next_page_token"`
	VideosFetched int    `json:"videos_fetched"`
}

// YouTubeAPI defines the raw Data API v3 calls the collector needs.
type YouTubeAPI interface {
	// ListChannels fetches channel resources (snippet, statistics, contentDetails) by ID
	ListChannels(ctx context.Context, channelID string) (*ytapi.ChannelListResponse, error)

	// ListPlaylistItems fetches one page of a playlist
	ListPlaylistItems(ctx context.Context, playlistID, pageToken string, maxResults int64) (*ytapi.PlaylistItemListResponse, error)

	// ListVideos fetches details for up to 50 videos
	ListVideos(ctx context.Context, videoIDs []string) (*ytapi.VideoListResponse, error)

	// ListCommentThreads fetches one page of top-level comment threads for a video
	ListCommentThreads(ctx context.Context, videoID, pageToken string, maxResults int64) (*ytapi.CommentThreadListResponse, error)

	// ListComments fetches one page of replies to a top-level comment
	ListComments(ctx context.Context, parentID, pageToken string, maxResults int64) (*ytapi.CommentListResponse, error)
}
