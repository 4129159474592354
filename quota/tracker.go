// Package quota accounts for YouTube Data API quota units spent by a collection run.
package quota

import (
	"fmt"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/rs/zerolog/log"
)

// Data API operations that consume quota.
const (
	OpChannelsList       = "channels.list"
	OpPlaylistItemsList  = "playlistItems.list"
	OpVideosList         = "videos.list"
	OpCommentThreadsList = "commentThreads.list"
	OpCommentsList       = "comments.list"
)

const (
	// DefaultDailyLimit is the default Data API project quota.
	DefaultDailyLimit = 10000

	// VideoPageSize is the API ceiling for playlistItems.list and videos.list batches.
	VideoPageSize = 50

	// CommentPageSize is the API ceiling for commentThreads.list and comments.list.
	CommentPageSize = 100
)

// CostProvider returns the quota cost of an operation.
type CostProvider interface {
	GetQuotaCost(operation string) int
}

// CostTable is a table-driven CostProvider. Unknown operations cost 1 unit.
type CostTable map[string]int

// DefaultCosts returns the standard Data API costs for the operations the collector uses.
func DefaultCosts() CostTable {
	return CostTable{
		OpChannelsList:       1,
		OpPlaylistItemsList:  1,
		OpVideosList:         1,
		OpCommentThreadsList: 1,
		OpCommentsList:       1,
	}
}

// GetQuotaCost implements CostProvider
func (t CostTable) GetQuotaCost(operation string) int {
	if cost, ok := t[operation]; ok {
		return cost
	}
	return 1
}

// Tracker keeps the quota budget of one collection run. It is single-writer
// state and must not be shared between concurrent runs.
type Tracker struct {
	limit   int
	used    int
	tracked int
	calls   map[string]int
	costs   CostProvider
}

// NewTracker creates a tracker with the given budget. A non-positive limit
// falls back to DefaultDailyLimit; a nil provider uses DefaultCosts.
func NewTracker(limit int, costs CostProvider) *Tracker {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	if costs == nil {
		costs = DefaultCosts()
	}
	return &Tracker{
		limit: limit,
		calls: make(map[string]int),
		costs: costs,
	}
}

// Cost returns the configured cost of an operation without recording anything.
func (t *Tracker) Cost(operation string) int {
	return t.costs.GetQuotaCost(operation)
}

// Track records one call of operation and returns its cost.
func (t *Tracker) Track(operation string) int {
	cost := t.Cost(operation)
	t.calls[operation]++
	t.tracked += cost
	return cost
}

// Use consumes amount units. When the budget cannot cover it the call fails
// with common.ErrQuotaExceeded and nothing is consumed.
func (t *Tracker) Use(amount int) error {
	if amount < 0 {
		return fmt.Errorf("quota amount cannot be negative: %d", amount)
	}
	if t.used+amount > t.limit {
		log.Warn().
			Int("requested", amount).
			Int("remaining", t.Remaining()).
			Msg("Quota budget exhausted")
		return fmt.Errorf("%w: requested %d units, %d remaining", common.ErrQuotaExceeded, amount, t.Remaining())
	}
	t.used += amount
	return nil
}

// Charge tracks one call of operation and consumes its cost from the budget.
// The call is not tracked when the budget cannot cover it.
func (t *Tracker) Charge(operation string) error {
	if err := t.Use(t.Cost(operation)); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	t.Track(operation)
	return nil
}

// Remaining returns the units left in the budget.
func (t *Tracker) Remaining() int {
	return t.limit - t.used
}

// Used returns the units consumed so far.
func (t *Tracker) Used() int {
	return t.used
}

// Limit returns the configured budget.
func (t *Tracker) Limit() int {
	return t.limit
}

// Tracked returns the sum of all tracked operation costs.
func (t *Tracker) Tracked() int {
	return t.tracked
}

// Calls returns how many times operation was tracked.
func (t *Tracker) Calls(operation string) int {
	return t.calls[operation]
}

// ChannelCost is the cost of the channel stage. The channels.list call also
// yields the uploads playlist, so it is needed whenever videos are listed.
func (t *Tracker) ChannelCost(opts youtube.CollectionOptions) int {
	if opts.FetchChannelData || opts.FetchVideos {
		return t.Cost(OpChannelsList)
	}
	return 0
}

// VideoCost is the cost of listing videoCount videos: one playlistItems.list
// page and one videos.list batch per 50 videos. A listing call is made even
// when the playlist turns out to be empty.
func (t *Tracker) VideoCost(opts youtube.CollectionOptions, videoCount int) int {
	if !opts.FetchVideos {
		return 0
	}
	batches := ceilDiv(videoCount, VideoPageSize)
	pages := batches
	if pages == 0 {
		pages = 1
	}
	return pages*t.Cost(OpPlaylistItemsList) + batches*t.Cost(OpVideosList)
}

// CommentCost is the cost of the comment stage over videoCount videos: the
// commentThreads.list pages needed for max_comments_per_video on each video.
// Reply pages (comments.list) depend on thread contents and are not estimated.
func (t *Tracker) CommentCost(opts youtube.CollectionOptions, videoCount int) int {
	if !opts.FetchComments || opts.MaxCommentsPerVideo <= 0 {
		return 0
	}
	return videoCount * t.CommentCostPerVideo(opts)
}

// CommentCostPerVideo is the commentThreads.list cost for a single video.
func (t *Tracker) CommentCostPerVideo(opts youtube.CollectionOptions) int {
	if opts.MaxCommentsPerVideo <= 0 {
		return 0
	}
	return ceilDiv(opts.MaxCommentsPerVideo, CommentPageSize) * t.Cost(OpCommentThreadsList)
}

// Estimate predicts the cost of a run over knownVideoCount videos as the sum
// of the channel, video and comment stage costs.
func (t *Tracker) Estimate(opts youtube.CollectionOptions, knownVideoCount int) int {
	if knownVideoCount < 0 {
		knownVideoCount = 0
	}
	return t.ChannelCost(opts) + t.VideoCost(opts, knownVideoCount) + t.CommentCost(opts, knownVideoCount)
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
