// Package distributed provides message types and a Dapr pub/sub publisher for
// announcing collection outcomes to other services
package distributed

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/researchaccelerator-hub/youtube-collector/delta"
	"github.com/researchaccelerator-hub/youtube-collector/orchestrator"
)

// Message Types
const (
	MessageTypeCollectionResult = "collection_result"
	MessageTypeChannelDelta     = "channel_delta"
)

// Status Values
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Topic Names (defaults for config.PublishConfig)
const (
	TopicCollectionResults = "youtube-collection-results"
	TopicChannelDeltas     = "youtube-channel-deltas"
)

// ResultMessage announces that a channel collection finished.
type ResultMessage struct {
	MessageType   string            `json:"message_type"`
	RunID         string            `json:"run_id,omitempty"`
	ChannelID     string            `json:"channel_id"`
	ChannelName   string            `json:"channel_name,omitempty"`
	Status        string            `json:"status"` // "success", "partial", "error"
	VideosFetched int               `json:"videos_fetched"`
	TotalComments int               `json:"total_comments"`
	QuotaUsed     int               `json:"quota_used"`
	Saved         bool              `json:"saved"`
	Errors        map[string]string `json:"errors,omitempty"` // keyed by stage
	Timestamp     time.Time         `json:"timestamp"`
	TraceID       string            `json:"trace_id,omitempty"`
}

// DeltaMessage carries the changes a refresh found on a channel.
type DeltaMessage struct {
	MessageType string        `json:"message_type"`
	RunID       string        `json:"run_id"`
	ChannelID   string        `json:"channel_id"`
	Summary     delta.Summary `json:"summary"`
	Report      *delta.Report `json:"report"`
	Timestamp   time.Time     `json:"timestamp"`
	TraceID     string        `json:"trace_id,omitempty"`
}

func resultStatus(r *orchestrator.CollectionResult) string {
	switch {
	case r.Error != "":
		return StatusError
	case r.Partial():
		return StatusPartial
	}
	return StatusSuccess
}

func stageErrors(r *orchestrator.CollectionResult) map[string]string {
	errs := make(map[string]string)
	if r.Error != "" {
		errs["collection"] = r.Error
	}
	if r.ErrorVideos != "" {
		errs["videos"] = r.ErrorVideos
	}
	if r.ErrorComments != "" {
		errs["comments"] = r.ErrorComments
	}
	if r.ErrorPagination != nil {
		errs["pagination"] = r.ErrorPagination.Message
	}
	if r.ErrorDatabase != "" {
		errs["database"] = r.ErrorDatabase
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// NewResultMessage summarises a collection result. traceID ties the messages
// of one result together.
func NewResultMessage(r *orchestrator.CollectionResult, traceID string, now time.Time) ResultMessage {
	return ResultMessage{
		MessageType:   MessageTypeCollectionResult,
		RunID:         r.RunID,
		ChannelID:     r.ChannelID,
		ChannelName:   r.ChannelName,
		Status:        resultStatus(r),
		VideosFetched: r.VideosFetched,
		TotalComments: r.CommentStats.TotalComments,
		QuotaUsed:     r.QuotaUsed,
		Saved:         r.Saved,
		Errors:        stageErrors(r),
		Timestamp:     now,
		TraceID:       traceID,
	}
}

// NewDeltaMessage wraps the delta of a result. It returns false when the
// result carries no delta or the delta holds no changes.
func NewDeltaMessage(r *orchestrator.CollectionResult, traceID string, now time.Time) (DeltaMessage, bool) {
	if r.Delta == nil || !r.Delta.HasChanges() {
		return DeltaMessage{}, false
	}
	return DeltaMessage{
		MessageType: MessageTypeChannelDelta,
		RunID:       r.RunID,
		ChannelID:   r.ChannelID,
		Summary:     r.Delta.Summary,
		Report:      r.Delta,
		Timestamp:   now,
		TraceID:     traceID,
	}, true
}

// NewTraceID returns a trace identifier for a group of messages.
func NewTraceID() string {
	return uuid.New().String()
}

// Validate checks that a result message can be published.
func (m ResultMessage) Validate() error {
	if m.MessageType != MessageTypeCollectionResult {
		return fmt.Errorf("invalid message type '%s'", m.MessageType)
	}
	if m.ChannelID == "" {
		return fmt.Errorf("result message has no channel_id")
	}
	switch m.Status {
	case StatusSuccess, StatusPartial, StatusError:
	default:
		return fmt.Errorf("invalid status '%s'", m.Status)
	}
	return nil
}
