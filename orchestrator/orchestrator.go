// Package orchestrator runs a single channel collection: it resolves the
// channel, checks the quota budget, fetches channel, videos and comments in
// stages, normalizes and merges the results with stored data and computes the
// delta against it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/researchaccelerator-hub/youtube-collector/collector"
	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/delta"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/normalize"
	"github.com/researchaccelerator-hub/youtube-collector/quota"
	"github.com/researchaccelerator-hub/youtube-collector/resolver"
	"github.com/researchaccelerator-hub/youtube-collector/retry"
	"github.com/researchaccelerator-hub/youtube-collector/state"
	"github.com/rs/zerolog/log"
)

// State is a step of a collection run.
type State string

const (
	StateIdle             State = "idle"
	StateResolvingChannel State = "resolving_channel"
	StateCheckingQuota    State = "checking_quota"
	StateFetchingChannel  State = "fetching_channel"
	StateFetchingVideos   State = "fetching_videos"
	StateFetchingComments State = "fetching_comments"
	StateNormalizing      State = "normalizing"
	StateDiffing          State = "diffing"
	StateDone             State = "done"
	StateError            State = "error"
)

// CollectionResult is the outcome of one run. Any non-empty Error* field marks
// the stage it names as failed; the other stages' data is still valid.
type CollectionResult struct {
	RunID string `json:"run_id"`
	youtube.ChannelRecord

	Videos         []youtube.VideoRecord `json:"video_id,omitempty"`
	VideosFetched  int                   `json:"videos_fetched"`
	NextPageToken  string                `json:"next_page_token,omitempty"`
	CommentStats   youtube.CommentStats  `json:"comment_stats"`
	CommentErrors  map[string]string     `json:"comment_errors,omitempty"`
	QuotaEstimate  int                   `json:"quota_estimate"`
	QuotaUsed      int                   `json:"quota_used"`
	QuotaRemaining int                   `json:"quota_remaining"`
	Delta          *delta.Report         `json:"delta,omitempty"`

	Error           string                   `json:"error,omitempty"`
	ErrorVideos     string                   `json:"error_videos,omitempty"`
	ErrorComments   string                   `json:"error_comments,omitempty"`
	ErrorPagination *youtube.PaginationError `json:"error_pagination,omitempty"`
	ErrorDatabase   string                   `json:"error_database,omitempty"`

	Saved bool `json:"saved"`

	// placeholder marks a channel record that carries only the channel ID
	// because the run neither fetched the channel nor had stored data for it.
	placeholder bool
}

// MarshalJSON adds the stored-shape total_videos count to the result.
func (r CollectionResult) MarshalJSON() ([]byte, error) {
	type plain CollectionResult
	return json.Marshal(struct {
		plain
		TotalVideos string `json:"total_videos"`
	}{plain(r), strconv.FormatInt(r.VideoCount, 10)})
}

// FailedResult describes a run that ended in a terminal error. Batch callers
// use it to report every input in one list.
func FailedResult(input string, err error) *CollectionResult {
	return &CollectionResult{
		ChannelRecord: youtube.ChannelRecord{ChannelID: input},
		Error:         err.Error(),
		placeholder:   true,
	}
}

// Partial reports whether any stage failed.
func (r *CollectionResult) Partial() bool {
	return r.Error != "" || r.ErrorVideos != "" || r.ErrorComments != "" ||
		r.ErrorPagination != nil || r.ErrorDatabase != ""
}

// ToRecord converts the result into the stored shape accepted by a PersistenceGateway.
func (r *CollectionResult) ToRecord() map[string]interface{} {
	return normalize.ChannelDataToDBShape(r.ChannelRecord, r.Videos)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCostProvider overrides the quota cost table.
func WithCostProvider(costs quota.CostProvider) Option {
	return func(o *Orchestrator) { o.costs = costs }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithClock replaces the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator coordinates collection runs. Runs are sequential: one
// Orchestrator must not be used for concurrent collections.
type Orchestrator struct {
	api      youtube.YouTubeAPI
	resolver *resolver.Resolver
	gateway  state.PersistenceGateway
	costs    quota.CostProvider
	sleep    retry.SleepFunc
	now      func() time.Time

	mu      sync.Mutex
	state   State
	history []State
}

// New creates an Orchestrator. lookup resolves handles and custom URLs and
// gateway stores results; either may be nil.
func New(api youtube.YouTubeAPI, lookup resolver.ChannelLookup, gateway state.PersistenceGateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:      api,
		resolver: resolver.New(lookup),
		gateway:  gateway,
		costs:    quota.DefaultCosts(),
		sleep:    retry.Sleep,
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state of the last run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns the states visited by the last run, in order.
func (o *Orchestrator) History() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) transition(runID string, next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.history = append(o.history, next)
	o.mu.Unlock()
	log.Debug().Str("run_id", runID).Str("from", string(prev)).Str("to", string(next)).Msg("Collection state transition")
}

func (o *Orchestrator) fail(runID string, stage State, err error) error {
	o.transition(runID, StateError)
	log.Error().Err(err).Str("run_id", runID).Str("stage", string(stage)).Msg("Collection failed")
	return err
}

// knownVideoCount is the video count the pre-flight estimate is based on.
func knownVideoCount(opts youtube.CollectionOptions, previous *youtube.ChannelRecord, previousVideos []youtube.VideoRecord) int {
	n := 0
	if previous != nil {
		n = int(previous.VideoCount)
	}
	if len(previousVideos) > n {
		n = len(previousVideos)
	}
	if opts.MaxVideos > 0 && (n == 0 || opts.MaxVideos < n) {
		n = opts.MaxVideos
	}
	return n
}

// Estimate predicts the quota units a run with opts would use, based on the
// stored data of the channel when it is given.
func (o *Orchestrator) Estimate(opts youtube.CollectionOptions, existing map[string]interface{}) int {
	tracker := quota.NewTracker(opts.QuotaLimit, o.costs)
	var previous *youtube.ChannelRecord
	var previousVideos []youtube.VideoRecord
	if existing != nil {
		ch, videos := normalize.NormalizeStoredChannelData(existing)
		previous, previousVideos = &ch, videos
	}
	return tracker.Estimate(opts, knownVideoCount(opts, previous, previousVideos))
}

// Collect runs one collection for input. existing is the stored data of the
// channel, if any; when given, the result is merged with it and carries a delta.
//
// Channel resolution, the pre-flight quota check, authentication failures and
// channel-stage failures end the run with an error and no result. Video and
// comment stage failures are recorded on the result.
func (o *Orchestrator) Collect(ctx context.Context, input string, opts youtube.CollectionOptions, existing map[string]interface{}) (*CollectionResult, error) {
	runID := common.GenerateRunID()
	o.mu.Lock()
	o.state = StateIdle
	o.history = []State{StateIdle}
	o.mu.Unlock()

	log.Info().Str("run_id", runID).Str("input", input).
		Bool("channel", opts.FetchChannelData).
		Bool("videos", opts.FetchVideos).
		Bool("comments", opts.FetchComments).
		Int("max_videos", opts.MaxVideos).
		Int("max_comments", opts.MaxCommentsPerVideo).
		Msg("Starting collection")

	o.transition(runID, StateResolvingChannel)
	channelID, err := o.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, o.fail(runID, StateResolvingChannel, err)
	}

	var previous *youtube.ChannelRecord
	var previousVideos []youtube.VideoRecord
	if existing != nil {
		ch, videos := normalize.NormalizeStoredChannelData(existing)
		if ch.ChannelID == "" || ch.ChannelID == channelID {
			ch.ChannelID = channelID
			previous, previousVideos = &ch, videos
		} else {
			log.Warn().Str("run_id", runID).Str("channel_id", channelID).Str("existing_channel_id", ch.ChannelID).Msg("Ignoring existing data of a different channel")
		}
	}

	o.transition(runID, StateCheckingQuota)
	tracker := quota.NewTracker(opts.QuotaLimit, o.costs)
	known := knownVideoCount(opts, previous, previousVideos)
	estimate := tracker.Estimate(opts, known)
	required := estimate
	if opts.OptimizeQuota {
		// comment collection is cut to whatever budget is left
		required -= tracker.CommentCost(opts, known)
	}
	if required > tracker.Remaining() {
		err := fmt.Errorf("%w: run needs an estimated %d units, %d remaining", common.ErrQuotaExceeded, required, tracker.Remaining())
		return nil, o.fail(runID, StateCheckingQuota, err)
	}

	policy := retry.NewPolicy(opts.RetryAttempts)
	policy.Sleep = o.sleep
	coll := collector.New(o.api, tracker, policy)
	coll.Now = o.now

	result := &CollectionResult{RunID: runID, QuotaEstimate: estimate}
	quotaHit := false

	var channel *youtube.ChannelRecord
	if opts.FetchChannelData {
		o.transition(runID, StateFetchingChannel)
		channel, err = coll.FetchChannel(ctx, channelID)
		if err != nil {
			return nil, o.fail(runID, StateFetchingChannel, err)
		}
		n := int(channel.VideoCount)
		if opts.MaxVideos > 0 && opts.MaxVideos < n {
			n = opts.MaxVideos
		}
		result.QuotaEstimate = tracker.Estimate(opts, n)
	}

	var videos []youtube.VideoRecord
	videosComplete := false
	if opts.FetchVideos {
		o.transition(runID, StateFetchingVideos)
		page, err := coll.FetchVideos(ctx, channelID, opts.MaxVideos, opts.PageToken)
		if page != nil {
			videos = page.Videos
			result.NextPageToken = page.NextPageToken
			result.ErrorPagination = page.PaginationError
			if page.Interruption != nil {
				quotaHit = errors.Is(page.Interruption, common.ErrQuotaExceeded)
			}
		}
		if err != nil {
			if errors.Is(err, common.ErrAuth) {
				return nil, o.fail(runID, StateFetchingVideos, err)
			}
			quotaHit = quotaHit || errors.Is(err, common.ErrQuotaExceeded)
			result.ErrorVideos = common.StageError(err)
			log.Warn().Err(err).Str("run_id", runID).Int("videos", len(videos)).Msg("Video stage failed")
		}
		videosComplete = err == nil && page.PaginationError == nil && page.NextPageToken == "" && opts.PageToken == ""
		result.VideosFetched = len(videos)
		log.Info().Str("run_id", runID).Int("videos_fetched", len(videos)).Msg("Video stage finished")

		// the uploads playlist lookup already paid for the channel
		if channel == nil {
			if ch, ok := coll.FetchedChannel(channelID); ok {
				channel = &ch
			}
		}
	}

	commentScope := make(map[string]bool)
	commented := make(map[string]struct{})
	if opts.FetchComments && opts.MaxCommentsPerVideo > 0 && len(videos) > 0 {
		o.transition(runID, StateFetchingComments)
		targets := commentTargets(videos, opts, tracker)
		fetched, stats, err := coll.FetchComments(ctx, targets, opts.MaxCommentsPerVideo, opts.MaxRepliesPerComment, "")
		if err != nil && errors.Is(err, common.ErrAuth) {
			return nil, o.fail(runID, StateFetchingComments, err)
		}

		byID := make(map[string]collector.VideoComments, len(fetched))
		for _, vc := range fetched {
			byID[vc.VideoID] = vc
		}
		for i := range videos {
			vc, ok := byID[videos[i].VideoID]
			if !ok {
				continue
			}
			videos[i].Comments = vc.Comments
			videos[i].CommentsDisabled = vc.Disabled
			if vc.Error == "" || len(vc.Comments) > 0 {
				commented[vc.VideoID] = struct{}{}
			}
			if vc.Error != "" {
				if result.CommentErrors == nil {
					result.CommentErrors = make(map[string]string)
				}
				result.CommentErrors[vc.VideoID] = vc.Error
				continue
			}
			if vc.Disabled || (vc.NextPageToken == "" && topLevel(vc.Comments) < opts.MaxCommentsPerVideo) {
				commentScope[vc.VideoID] = true
			}
		}
		result.CommentStats = stats

		if err != nil {
			quotaHit = quotaHit || errors.Is(err, common.ErrQuotaExceeded)
			result.ErrorComments = common.StageError(err)
			log.Warn().Err(err).Str("run_id", runID).Int("videos_done", len(fetched)).Msg("Comment stage failed")
		}
		log.Info().Str("run_id", runID).Int("total_comments", stats.TotalComments).Msg("Comment stage finished")
	}

	o.transition(runID, StateNormalizing)
	switch {
	case channel != nil:
		result.ChannelRecord = *channel
	case previous != nil:
		result.ChannelRecord = *previous
	default:
		result.ChannelRecord = youtube.ChannelRecord{ChannelID: channelID}
		result.placeholder = true
	}
	result.Videos = mergeWithPrevious(videos, previousVideos, commented, byVideoID(videos))

	if previous != nil {
		o.transition(runID, StateDiffing)
		result.Delta = o.diff(opts, previous, channel, previousVideos, videos, videosComplete, commentScope)
		log.Info().Str("run_id", runID).Interface("summary", result.Delta.Summary).Msg("Delta computed")
	}

	result.QuotaUsed = tracker.Used()
	result.QuotaRemaining = tracker.Remaining()

	if quotaHit {
		o.bestEffortSave(ctx, result)
	}

	o.transition(runID, StateDone)
	log.Info().
		Str("run_id", runID).
		Str("channel_id", result.ChannelID).
		Int("videos", len(result.Videos)).
		Int("quota_used", result.QuotaUsed).
		Bool("partial", result.Partial()).
		Msg("Collection finished")
	return result, nil
}

func topLevel(comments []youtube.CommentRecord) int {
	n := 0
	for _, c := range comments {
		if !c.IsReply() {
			n++
		}
	}
	return n
}

func byVideoID(videos []youtube.VideoRecord) map[string]struct{} {
	ids := make(map[string]struct{}, len(videos))
	for _, v := range videos {
		ids[v.VideoID] = struct{}{}
	}
	return ids
}

// commentTargets lists the videos to fetch comments for. Unavailable videos
// are skipped. With OptimizeQuota the most viewed videos go first and the list
// is cut to what the remaining budget pays for.
func commentTargets(videos []youtube.VideoRecord, opts youtube.CollectionOptions, tracker *quota.Tracker) []string {
	candidates := make([]youtube.VideoRecord, 0, len(videos))
	for _, v := range videos {
		if v.Error == "" {
			candidates = append(candidates, v)
		}
	}

	if opts.OptimizeQuota {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].ViewCount > candidates[j].ViewCount
		})
		if perVideo := tracker.CommentCostPerVideo(opts); perVideo > 0 {
			affordable := tracker.Remaining() / perVideo
			if affordable < len(candidates) {
				log.Info().Int("videos", len(candidates)).Int("affordable", affordable).Msg("Limiting comment collection to the most viewed videos")
				candidates = candidates[:affordable]
			}
		}
	}

	ids := make([]string, len(candidates))
	for i, v := range candidates {
		ids[i] = v.VideoID
	}
	return ids
}

// mergeWithPrevious appends stored videos that this run did not fetch and
// keeps stored comments on videos missing from commented.
func mergeWithPrevious(videos, previous []youtube.VideoRecord, commented, fetched map[string]struct{}) []youtube.VideoRecord {
	if len(previous) == 0 {
		return videos
	}
	prevByID := make(map[string]youtube.VideoRecord, len(previous))
	for _, v := range previous {
		prevByID[v.VideoID] = v
	}

	merged := make([]youtube.VideoRecord, 0, len(videos)+len(previous))
	for _, v := range videos {
		if p, ok := prevByID[v.VideoID]; ok {
			if _, done := commented[v.VideoID]; !done && len(v.Comments) == 0 {
				v.Comments = p.Comments
			}
		}
		merged = append(merged, v)
	}
	for _, p := range previous {
		if _, ok := fetched[p.VideoID]; !ok {
			merged = append(merged, p)
		}
	}
	return merged
}

// diff compares what this run fetched with the matching part of the stored data.
func (o *Orchestrator) diff(
	opts youtube.CollectionOptions,
	previous, channel *youtube.ChannelRecord,
	previousVideos, videos []youtube.VideoRecord,
	videosComplete bool,
	commentScope map[string]bool,
) *delta.Report {
	prev := delta.Snapshot{}
	curr := delta.Snapshot{}
	if channel != nil {
		prev.Channel = previous
		curr.Channel = channel
	}

	if opts.FetchVideos {
		fetched := byVideoID(videos)
		currComments := make(map[string]map[string]struct{})
		for _, v := range videos {
			ids := make(map[string]struct{}, len(v.Comments))
			for _, c := range v.Comments {
				ids[c.CommentID] = struct{}{}
			}
			currComments[v.VideoID] = ids
		}

		for _, p := range previousVideos {
			if _, ok := fetched[p.VideoID]; !ok && !videosComplete {
				continue
			}
			p.Comments = scopeComments(p.Comments, currComments[p.VideoID], commentScope[p.VideoID], opts.FetchComments)
			prev.Videos = append(prev.Videos, p)
		}
		for _, v := range videos {
			if !opts.FetchComments {
				v.Comments = nil
			}
			curr.Videos = append(curr.Videos, v)
		}
	}

	engine := delta.NewEngine(delta.Options{Comprehensive: opts.ComprehensiveDelta})
	report := engine.Diff(prev, curr)
	if report.ChannelID == "" && previous != nil {
		report.ChannelID = previous.ChannelID
	}
	return report
}

// scopeComments keeps the stored comments that are comparable with this run.
// All of them when the video's comments were fetched completely, only the
// re-fetched ones when the fetch was cut short, and none when no comments were fetched.
func scopeComments(stored []youtube.CommentRecord, current map[string]struct{}, complete, commentsFetched bool) []youtube.CommentRecord {
	if !commentsFetched {
		return nil
	}
	if complete {
		return stored
	}
	var out []youtube.CommentRecord
	for _, c := range stored {
		if _, ok := current[c.CommentID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (o *Orchestrator) bestEffortSave(ctx context.Context, result *CollectionResult) {
	if o.gateway == nil {
		return
	}
	if err := o.Save(ctx, result); err != nil {
		log.Warn().Err(err).Str("run_id", result.RunID).Msg("Best-effort save of partial result failed")
		return
	}
	log.Info().Str("run_id", result.RunID).Msg("Saved partial result after quota exhaustion")
}

// Save stores the result through the gateway. A failure is recorded in
// result.ErrorDatabase and returned; the result itself stays usable.
func (o *Orchestrator) Save(ctx context.Context, result *CollectionResult) error {
	if o.gateway == nil {
		return fmt.Errorf("%w: no persistence gateway configured", common.ErrPersistence)
	}
	record := result.ToRecord()
	if result.placeholder {
		o.keepStoredChannel(ctx, record)
	}
	if err := o.gateway.StoreChannelData(ctx, record); err != nil {
		if !errors.Is(err, common.ErrPersistence) {
			err = fmt.Errorf("%w: %w", common.ErrPersistence, err)
		}
		result.ErrorDatabase = err.Error()
		return err
	}
	result.Saved = true
	result.ErrorDatabase = ""
	return nil
}

// keepStoredChannel replaces the channel fields of record with the stored
// ones, so a run that never fetched the channel does not blank its row.
func (o *Orchestrator) keepStoredChannel(ctx context.Context, record map[string]interface{}) {
	channelID, _ := record["channel_id"].(string)
	stored, err := o.gateway.GetChannelData(ctx, channelID)
	if err != nil || stored == nil {
		return
	}
	ch, _ := normalize.NormalizeStoredChannelData(stored)
	if ch.ChannelID != channelID {
		return
	}
	for k, v := range normalize.ChannelToDBShape(ch) {
		record[k] = v
	}
}

// Refresh reloads a stored channel, collects it again against the stored data
// and stores the merged result. input may be a channel ID, URL, handle or the
// stored channel name.
func (o *Orchestrator) Refresh(ctx context.Context, input string, opts youtube.CollectionOptions) (*CollectionResult, error) {
	if o.gateway == nil {
		return nil, fmt.Errorf("%w: refresh needs a persistence gateway", common.ErrPersistence)
	}

	var loadErr error
	existing, err := o.gateway.GetChannelData(ctx, input)
	if err != nil {
		loadErr = err
		log.Warn().Err(err).Str("input", input).Msg("Failed to load stored channel data")
	}
	if existing == nil && err == nil {
		if id := resolver.Parse(input); id.Kind == resolver.KindChannelID && id.Value != input {
			existing, loadErr = o.gateway.GetChannelData(ctx, id.Value)
		}
	}

	target := input
	if existing != nil {
		if id, ok := existing["channel_id"].(string); ok && id != "" {
			target = id
		}
	} else {
		log.Info().Str("input", input).Msg("No stored data for channel, collecting from scratch")
	}

	result, err := o.Collect(ctx, target, opts, existing)
	if err != nil {
		return nil, err
	}
	if result.Saved {
		return result, nil
	}
	if err := o.Save(ctx, result); err != nil {
		log.Warn().Err(err).Str("channel_id", result.ChannelID).Msg("Failed to store refreshed channel")
		return result, nil
	}
	if loadErr != nil {
		result.ErrorDatabase = loadErr.Error()
	}
	return result, nil
}
