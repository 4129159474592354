package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
)

// UploadsPlaylistPrefix starts every channel uploads playlist ID.
const UploadsPlaylistPrefix = "UU"

var ChannelSchema = Schema{
	{Field: "channel_id", Paths: []string{"channel_id", "channelId", "id", "snippet.channelId"}, Coerce: AsString},
	{Field: "channel_name", Paths: []string{"channel_name", "title", "name", "snippet.title"}, Coerce: AsString},
	{Field: "description", Paths: []string{"description", "channel_description", "snippet.description"}, Coerce: AsString},
	{Field: "subscriber_count", Paths: []string{"subscriber_count", "subscribers", "subscriberCount", "statistics.subscriberCount"}, Coerce: AsCount},
	{Field: "view_count", Paths: []string{"view_count", "views", "viewCount", "statistics.viewCount"}, Coerce: AsCount},
	{Field: "video_count", Paths: []string{"video_count", "total_videos", "videoCount", "statistics.videoCount"}, Coerce: AsCount},
	{Field: "uploads_playlist_id", Paths: []string{"uploads_playlist_id", "playlist_id", "uploadsPlaylistId", "uploads", "contentDetails.relatedPlaylists.uploads"}, Coerce: AsString},
	{Field: "published_at", Paths: []string{"published_at", "publishedAt", "snippet.publishedAt"}, Coerce: AsString},
	{Field: "country", Paths: []string{"country", "snippet.country"}, Coerce: AsString},
	{Field: "custom_url", Paths: []string{"custom_url", "customUrl", "snippet.customUrl"}, Coerce: AsString},
	{Field: "thumbnail_default", Paths: []string{"thumbnail_default", "thumbnails.default.url", "thumbnails.default", "snippet.thumbnails.default.url"}, Coerce: AsString},
	{Field: "thumbnail_medium", Paths: []string{"thumbnail_medium", "thumbnails.medium.url", "thumbnails.medium", "snippet.thumbnails.medium.url"}, Coerce: AsString},
	{Field: "thumbnail_high", Paths: []string{"thumbnail_high", "thumbnails.high.url", "thumbnails.high", "snippet.thumbnails.high.url"}, Coerce: AsString},
	{Field: "fetched_at", Paths: []string{"fetched_at", "fetchedAt"}, Coerce: AsString},
	{Field: "updated_at", Paths: []string{"updated_at", "updatedAt"}, Coerce: AsString},
}

var VideoSchema = Schema{
	{Field: "video_id", Paths: []string{"video_id", "videoId", "contentDetails.videoId", "snippet.resourceId.videoId", "id.videoId", "id"}, Coerce: AsString},
	{Field: "channel_id", Paths: []string{"channel_id", "channelId", "snippet.channelId"}, Coerce: AsString},
	{Field: "title", Paths: []string{"title", "snippet.title"}, Coerce: AsString},
	{Field: "description", Paths: []string{"description", "snippet.description"}, Coerce: AsString},
	{Field: "published_at", Paths: []string{"published_at", "publishedAt", "snippet.publishedAt", "contentDetails.videoPublishedAt"}, Coerce: AsString},
	{Field: "view_count", Paths: []string{"view_count", "views", "viewCount", "statistics.viewCount"}, Coerce: AsCount},
	{Field: "like_count", Paths: []string{"like_count", "likes", "likeCount", "statistics.likeCount"}, Coerce: AsCount},
	{Field: "comment_count", Paths: []string{"comment_count", "commentCount", "statistics.commentCount"}, Coerce: AsCount},
	{Field: "duration", Paths: []string{"duration", "contentDetails.duration"}, Coerce: AsString},
	{Field: "thumbnail_url", Paths: []string{"thumbnail_url", "thumbnailUrl", "snippet.thumbnails.high.url", "snippet.thumbnails.medium.url", "snippet.thumbnails.default.url"}, Coerce: AsString},
	{Field: "comments_disabled", Paths: []string{"comments_disabled", "commentsDisabled"}, Coerce: AsBool},
	{Field: "error", Paths: []string{"error"}, Coerce: AsString},
	{Field: "fetched_at", Paths: []string{"fetched_at", "fetchedAt"}, Coerce: AsString},
}

var CommentSchema = Schema{
	{Field: "comment_id", Paths: []string{"comment_id", "commentId", "snippet.topLevelComment.id", "id"}, Coerce: AsString},
	{Field: "video_id", Paths: []string{"video_id", "videoId", "snippet.videoId", "snippet.topLevelComment.snippet.videoId"}, Coerce: AsString},
	{Field: "text", Paths: []string{"text", "textDisplay", "textOriginal", "snippet.textDisplay", "snippet.textOriginal", "snippet.topLevelComment.snippet.textDisplay"}, Coerce: AsString},
	{Field: "author_display_name", Paths: []string{"author_display_name", "author", "authorDisplayName", "snippet.authorDisplayName", "snippet.topLevelComment.snippet.authorDisplayName"}, Coerce: AsString},
	{Field: "author_channel_id", Paths: []string{"author_channel_id", "authorChannelId.value", "authorChannelId", "snippet.authorChannelId.value", "snippet.topLevelComment.snippet.authorChannelId.value"}, Coerce: AsString},
	{Field: "like_count", Paths: []string{"like_count", "likes", "likeCount", "snippet.likeCount", "snippet.topLevelComment.snippet.likeCount"}, Coerce: AsCount},
	{Field: "published_at", Paths: []string{"published_at", "publishedAt", "snippet.publishedAt", "snippet.topLevelComment.snippet.publishedAt"}, Coerce: AsString},
	{Field: "updated_at", Paths: []string{"updated_at", "updatedAt", "snippet.updatedAt", "snippet.topLevelComment.snippet.updatedAt"}, Coerce: AsString},
	{Field: "parent_id", Paths: []string{"parent_id", "parentId", "snippet.parentId"}, Coerce: AsString},
	{Field: "total_reply_count", Paths: []string{"total_reply_count", "totalReplyCount", "snippet.totalReplyCount"}, Coerce: AsCount},
}

// ValidUploadsPlaylistID reports whether playlistID can be the uploads playlist of channelID.
func ValidUploadsPlaylistID(channelID, playlistID string) bool {
	return playlistID != "" && playlistID != channelID && strings.HasPrefix(playlistID, UploadsPlaylistPrefix)
}

// NormalizeChannel converts raw into a ChannelRecord. It fails with
// common.ErrValidation when the channel ID is missing or the uploads playlist
// ID is unusable.
func NormalizeChannel(raw map[string]interface{}) (youtube.ChannelRecord, error) {
	ch := channelFromFields(ChannelSchema.Apply(raw))
	if ch.ChannelID == "" {
		return ch, fmt.Errorf("%w: channel record has no channel_id", common.ErrValidation)
	}
	if !ValidUploadsPlaylistID(ch.ChannelID, ch.UploadsPlaylistID) {
		return ch, fmt.Errorf("%w: channel %s has invalid uploads playlist id %q", common.ErrValidation, ch.ChannelID, ch.UploadsPlaylistID)
	}
	return ch, nil
}

// NormalizeChannelLenient converts raw like NormalizeChannel but blanks an
// invalid uploads playlist ID instead of failing. Used for stored data.
func NormalizeChannelLenient(raw map[string]interface{}) youtube.ChannelRecord {
	ch := channelFromFields(ChannelSchema.Apply(raw))
	if !ValidUploadsPlaylistID(ch.ChannelID, ch.UploadsPlaylistID) {
		ch.UploadsPlaylistID = ""
	}
	return ch
}

func channelFromFields(f map[string]interface{}) youtube.ChannelRecord {
	return youtube.ChannelRecord{
		ChannelID:         stringField(f, "channel_id"),
		ChannelName:       stringField(f, "channel_name"),
		Description:       stringField(f, "description"),
		SubscriberCount:   intField(f, "subscriber_count"),
		ViewCount:         intField(f, "view_count"),
		VideoCount:        intField(f, "video_count"),
		UploadsPlaylistID: stringField(f, "uploads_playlist_id"),
		PublishedAt:       stringField(f, "published_at"),
		Country:           stringField(f, "country"),
		CustomURL:         stringField(f, "custom_url"),
		Thumbnails: youtube.Thumbnails{
			Default: stringField(f, "thumbnail_default"),
			Medium:  stringField(f, "thumbnail_medium"),
			High:    stringField(f, "thumbnail_high"),
		},
		FetchedAt: stringField(f, "fetched_at"),
		UpdatedAt: stringField(f, "updated_at"),
	}
}

// NormalizeVideo converts raw into a VideoRecord. Missing fields take their zero value.
// Nested comments under "comments" are normalized too.
func NormalizeVideo(raw map[string]interface{}) youtube.VideoRecord {
	f := VideoSchema.Apply(raw)
	v := youtube.VideoRecord{
		VideoID:          stringField(f, "video_id"),
		ChannelID:        stringField(f, "channel_id"),
		Title:            stringField(f, "title"),
		Description:      stringField(f, "description"),
		PublishedAt:      stringField(f, "published_at"),
		ViewCount:        intField(f, "view_count"),
		LikeCount:        intField(f, "like_count"),
		CommentCount:     intField(f, "comment_count"),
		Duration:         stringField(f, "duration"),
		ThumbnailURL:     stringField(f, "thumbnail_url"),
		CommentsDisabled: boolField(f, "comments_disabled"),
		Error:            stringField(f, "error"),
		FetchedAt:        stringField(f, "fetched_at"),
	}
	for _, item := range mapList(raw["comments"]) {
		c := NormalizeComment(item)
		if c.VideoID == "" {
			c.VideoID = v.VideoID
		}
		v.Comments = append(v.Comments, c)
	}
	return v
}

// NormalizeComment converts raw into a CommentRecord. Comment threads,
// single comments and stored rows are all accepted.
func NormalizeComment(raw map[string]interface{}) youtube.CommentRecord {
	f := CommentSchema.Apply(raw)
	return youtube.CommentRecord{
		CommentID:         stringField(f, "comment_id"),
		VideoID:           stringField(f, "video_id"),
		Text:              stringField(f, "text"),
		AuthorDisplayName: stringField(f, "author_display_name"),
		AuthorChannelID:   stringField(f, "author_channel_id"),
		LikeCount:         intField(f, "like_count"),
		PublishedAt:       stringField(f, "published_at"),
		UpdatedAt:         stringField(f, "updated_at"),
		ParentID:          stringField(f, "parent_id"),
		TotalReplyCount:   intField(f, "total_reply_count"),
	}
}

// ToMap turns an API resource struct into the generic map form the schemas read.
func ToMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource: %w", err)
	}
	return out, nil
}

func mapList(v interface{}) []map[string]interface{} {
	switch items := v.(type) {
	case []map[string]interface{}:
		return items
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := asMap(item); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// ChannelToDBShape flattens a channel into the row layout the gateways persist.
// Counts are kept as decimal strings.
func ChannelToDBShape(c youtube.ChannelRecord) map[string]interface{} {
	return map[string]interface{}{
		"channel_id":          c.ChannelID,
		"channel_name":        c.ChannelName,
		"channel_description": c.Description,
		"subscribers":         strconv.FormatInt(c.SubscriberCount, 10),
		"views":               strconv.FormatInt(c.ViewCount, 10),
		"total_videos":        strconv.FormatInt(c.VideoCount, 10),
		"playlist_id":         c.UploadsPlaylistID,
		"published_at":        c.PublishedAt,
		"country":             c.Country,
		"custom_url":          c.CustomURL,
		"thumbnail_default":   c.Thumbnails.Default,
		"thumbnail_medium":    c.Thumbnails.Medium,
		"thumbnail_high":      c.Thumbnails.High,
		"fetched_at":          c.FetchedAt,
		"updated_at":          c.UpdatedAt,
	}
}

// VideoToDBShape flattens a video and its comments.
func VideoToDBShape(v youtube.VideoRecord) map[string]interface{} {
	comments := make([]interface{}, 0, len(v.Comments))
	for _, c := range v.Comments {
		comments = append(comments, CommentToDBShape(c))
	}
	out := map[string]interface{}{
		"video_id":          v.VideoID,
		"channel_id":        v.ChannelID,
		"title":             v.Title,
		"description":       v.Description,
		"published_at":      v.PublishedAt,
		"views":             strconv.FormatInt(v.ViewCount, 10),
		"likes":             strconv.FormatInt(v.LikeCount, 10),
		"comment_count":     strconv.FormatInt(v.CommentCount, 10),
		"duration":          v.Duration,
		"thumbnail_url":     v.ThumbnailURL,
		"comments_disabled": v.CommentsDisabled,
		"fetched_at":        v.FetchedAt,
		"comments":          comments,
	}
	if v.Error != "" {
		out["error"] = v.Error
	}
	return out
}

func CommentToDBShape(c youtube.CommentRecord) map[string]interface{} {
	return map[string]interface{}{
		"comment_id":          c.CommentID,
		"video_id":            c.VideoID,
		"text":                c.Text,
		"author_display_name": c.AuthorDisplayName,
		"author_channel_id":   c.AuthorChannelID,
		"like_count":          strconv.FormatInt(c.LikeCount, 10),
		"published_at":        c.PublishedAt,
		"updated_at":          c.UpdatedAt,
		"parent_id":           c.ParentID,
		"total_reply_count":   strconv.FormatInt(c.TotalReplyCount, 10),
	}
}

// ChannelDataToDBShape builds the full stored payload of a channel: its row
// fields plus the video list under "video_id".
func ChannelDataToDBShape(c youtube.ChannelRecord, videos []youtube.VideoRecord) map[string]interface{} {
	out := ChannelToDBShape(c)
	list := make([]interface{}, 0, len(videos))
	for _, v := range videos {
		list = append(list, VideoToDBShape(v))
	}
	out["video_id"] = list
	return out
}

// NormalizeStoredChannelData reads a stored channel payload back into records.
// The video list may be under "video_id" or "videos".
func NormalizeStoredChannelData(raw map[string]interface{}) (youtube.ChannelRecord, []youtube.VideoRecord) {
	ch := NormalizeChannelLenient(raw)

	items := mapList(raw["video_id"])
	if items == nil {
		items = mapList(raw["videos"])
	}
	videos := make([]youtube.VideoRecord, 0, len(items))
	for _, item := range items {
		v := NormalizeVideo(item)
		if v.VideoID == "" {
			continue
		}
		if v.ChannelID == "" {
			v.ChannelID = ch.ChannelID
		}
		videos = append(videos, v)
	}
	return ch, videos
}
