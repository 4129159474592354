// Package collectortest provides an in-memory YouTube Data API for tests.
package collectortest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	ytapi "google.golang.org/api/youtube/v3"
)

// Operation names used for call counting and failure injection.
const (
	Channels       = "channels"
	PlaylistItems  = "playlistItems"
	Videos         = "videos"
	CommentThreads = "commentThreads"
	Comments       = "comments"
)

// FakeAPI serves channels, uploads, videos and comments from memory. Page
// tokens are decimal offsets.
type FakeAPI struct {
	mu sync.Mutex

	Channel       map[string]*ytapi.Channel
	Uploads       map[string][]string
	Video         map[string]*ytapi.Video
	Threads       map[string][]*ytapi.CommentThread
	Replies       map[string][]*ytapi.Comment
	DisabledVideo map[string]bool

	// FailAt fails the n-th call (1-based) of an operation.
	FailAt map[string]map[int]error
	// FailAlways fails every call of an operation.
	FailAlways map[string]error
	// FailVideo fails every commentThreads call of a video.
	FailVideo map[string]error

	calls map[string]int
}

// New creates an empty FakeAPI.
func New() *FakeAPI {
	return &FakeAPI{
		Channel:       make(map[string]*ytapi.Channel),
		Uploads:       make(map[string][]string),
		Video:         make(map[string]*ytapi.Video),
		Threads:       make(map[string][]*ytapi.CommentThread),
		Replies:       make(map[string][]*ytapi.Comment),
		DisabledVideo: make(map[string]bool),
		FailAt:        make(map[string]map[int]error),
		FailAlways:    make(map[string]error),
		FailVideo:     make(map[string]error),
		calls:         make(map[string]int),
	}
}

// AddChannel registers a channel with the given uploaded videos. Each video
// gets viewCount views taken from views in order, when provided.
func (f *FakeAPI) AddChannel(channelID, title string, videoIDs []string, views ...uint64) {
	uploads := "UU" + channelID[2:]
	f.Channel[channelID] = &ytapi.Channel{
		Id: channelID,
		Snippet: &ytapi.ChannelSnippet{
			Title:       title,
			Description: title + " description",
			PublishedAt: "2020-01-01T00:00:00Z",
		},
		Statistics: &ytapi.ChannelStatistics{
			SubscriberCount: 1000,
			ViewCount:       100000,
			VideoCount:      uint64(len(videoIDs)),
		},
		ContentDetails: &ytapi.ChannelContentDetails{
			RelatedPlaylists: &ytapi.ChannelContentDetailsRelatedPlaylists{Uploads: uploads},
		},
	}
	f.Uploads[uploads] = videoIDs
	for i, id := range videoIDs {
		var v uint64 = 10
		if i < len(views) {
			v = views[i]
		}
		f.Video[id] = &ytapi.Video{
			Id: id,
			Snippet: &ytapi.VideoSnippet{
				ChannelId:   channelID,
				Title:       "Video " + id,
				PublishedAt: "2024-01-01T00:00:00Z",
			},
			Statistics:     &ytapi.VideoStatistics{ViewCount: v, LikeCount: 1, CommentCount: 2},
			ContentDetails: &ytapi.VideoContentDetails{Duration: "PT1M"},
		}
	}
}

// AddComments registers n top-level comments on a video. Each comment
// carries replies replies, the first inline of them inlined in the thread.
func (f *FakeAPI) AddComments(videoID string, n, replies, inline int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-c%d", videoID, i)
		thread := &ytapi.CommentThread{
			Id: id,
			Snippet: &ytapi.CommentThreadSnippet{
				VideoId:         videoID,
				TotalReplyCount: int64(replies),
				TopLevelComment: &ytapi.Comment{
					Id: id,
					Snippet: &ytapi.CommentSnippet{
						VideoId:           videoID,
						TextDisplay:       "comment " + id,
						AuthorDisplayName: "viewer",
						PublishedAt:       "2024-01-02T00:00:00Z",
						UpdatedAt:         "2024-01-02T00:00:00Z",
					},
				},
			},
		}
		var all []*ytapi.Comment
		for r := 0; r < replies; r++ {
			all = append(all, &ytapi.Comment{
				Id: fmt.Sprintf("%s.r%d", id, r),
				Snippet: &ytapi.CommentSnippet{
					ParentId:    id,
					TextDisplay: "reply",
					PublishedAt: "2024-01-03T00:00:00Z",
				},
			})
		}
		if inline > 0 && len(all) > 0 {
			k := inline
			if k > len(all) {
				k = len(all)
			}
			thread.Replies = &ytapi.CommentThreadReplies{Comments: all[:k]}
		}
		f.Replies[id] = all
		f.Threads[videoID] = append(f.Threads[videoID], thread)
	}
}

// Calls returns how many times op was called.
func (f *FakeAPI) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (f *FakeAPI) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// QuotaExceeded is the API error returned for an exhausted daily quota.
func QuotaExceeded() error {
	return common.NewAPIError(http.StatusForbidden, "quotaExceeded", "The request cannot be completed because you have exceeded your quota.", nil)
}

// Unavailable is a retriable server error.
func Unavailable() error {
	return common.NewAPIError(http.StatusServiceUnavailable, "backendError", "backend error", nil)
}

func (f *FakeAPI) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.FailAlways[op]; ok {
		return err
	}
	if err, ok := f.FailAt[op][f.calls[op]]; ok {
		return err
	}
	return nil
}

func page(token string, total int, max int64) (start, end int, next string) {
	start, _ = strconv.Atoi(token)
	if start > total {
		start = total
	}
	end = start + int(max)
	if max <= 0 || end > total {
		end = total
	}
	if end < total {
		next = strconv.Itoa(end)
	}
	return start, end, next
}

func (f *FakeAPI) ListChannels(ctx context.Context, channelID string) (*ytapi.ChannelListResponse, error) {
	if err := f.begin(Channels); err != nil {
		return nil, err
	}
	resp := &ytapi.ChannelListResponse{}
	if ch, ok := f.Channel[channelID]; ok {
		resp.Items = []*ytapi.Channel{ch}
	}
	return resp, nil
}

func (f *FakeAPI) ListPlaylistItems(ctx context.Context, playlistID, pageToken string, maxResults int64) (*ytapi.PlaylistItemListResponse, error) {
	if err := f.begin(PlaylistItems); err != nil {
		return nil, err
	}
	ids, ok := f.Uploads[playlistID]
	if !ok {
		return nil, common.NewAPIError(http.StatusNotFound, "playlistNotFound", "playlist not found", nil)
	}
	start, end, next := page(pageToken, len(ids), maxResults)
	resp := &ytapi.PlaylistItemListResponse{NextPageToken: next}
	for _, id := range ids[start:end] {
		resp.Items = append(resp.Items, &ytapi.PlaylistItem{
			ContentDetails: &ytapi.PlaylistItemContentDetails{VideoId: id},
		})
	}
	return resp, nil
}

func (f *FakeAPI) ListVideos(ctx context.Context, videoIDs []string) (*ytapi.VideoListResponse, error) {
	if err := f.begin(Videos); err != nil {
		return nil, err
	}
	resp := &ytapi.VideoListResponse{}
	for _, id := range videoIDs {
		if v, ok := f.Video[id]; ok {
			resp.Items = append(resp.Items, v)
		}
	}
	return resp, nil
}

func (f *FakeAPI) ListCommentThreads(ctx context.Context, videoID, pageToken string, maxResults int64) (*ytapi.CommentThreadListResponse, error) {
	if err := f.begin(CommentThreads); err != nil {
		return nil, err
	}
	if err, ok := f.FailVideo[videoID]; ok {
		return nil, err
	}
	if f.DisabledVideo[videoID] {
		return nil, common.NewAPIError(http.StatusForbidden, "commentsDisabled", "comments are disabled", nil)
	}
	threads := f.Threads[videoID]
	start, end, next := page(pageToken, len(threads), maxResults)
	return &ytapi.CommentThreadListResponse{Items: threads[start:end], NextPageToken: next}, nil
}

func (f *FakeAPI) ListComments(ctx context.Context, parentID, pageToken string, maxResults int64) (*ytapi.CommentListResponse, error) {
	if err := f.begin(Comments); err != nil {
		return nil, err
	}
	replies := f.Replies[parentID]
	start, end, next := page(pageToken, len(replies), maxResults)
	return &ytapi.CommentListResponse{Items: replies[start:end], NextPageToken: next}, nil
}
