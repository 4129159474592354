package state

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/normalize"
	"github.com/rs/zerolog/log"
)

type storedChannel struct {
	channel youtube.ChannelRecord
	videos  []youtube.VideoRecord
}

// MemoryGateway keeps channel data in process memory. It backs tests and
// dry runs where nothing should outlive the process.
type MemoryGateway struct {
	mutex    sync.RWMutex
	channels map[string]storedChannel
	titles   map[string]string
}

// NewMemoryGateway creates an empty MemoryGateway
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		channels: make(map[string]storedChannel),
		titles:   make(map[string]string),
	}
}

func (m *MemoryGateway) GetChannelData(ctx context.Context, channelIDOrTitle string) (map[string]interface{}, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stored, ok := m.channels[channelIDOrTitle]
	if !ok {
		id, found := m.titles[strings.ToLower(channelIDOrTitle)]
		if !found {
			return nil, nil
		}
		stored = m.channels[id]
	}
	return normalize.ChannelDataToDBShape(stored.channel, stored.videos), nil
}

func (m *MemoryGateway) StoreChannelData(ctx context.Context, data map[string]interface{}) error {
	channel, videos := normalize.NormalizeStoredChannelData(data)
	if channel.ChannelID == "" {
		return fmt.Errorf("%w: channel data has no channel_id", common.ErrPersistence)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	previous := m.channels[channel.ChannelID]
	if previous.channel.ChannelName != "" {
		delete(m.titles, strings.ToLower(previous.channel.ChannelName))
	}
	m.channels[channel.ChannelID] = storedChannel{
		channel: channel,
		videos:  mergeVideos(previous.videos, videos),
	}
	if channel.ChannelName != "" {
		m.titles[strings.ToLower(channel.ChannelName)] = channel.ChannelID
	}

	log.Debug().Str("channel_id", channel.ChannelID).Int("videos", len(videos)).Msg("Stored channel data in memory")
	return nil
}

func (m *MemoryGateway) Close() error {
	return nil
}
