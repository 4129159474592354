package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	daprc "github.com/dapr/go-sdk/client"
	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/normalize"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultStateStoreName = "statestore"
	defaultDaprGRPCPort   = "50001"
	daprOperationTimeout  = 30 * time.Second
)

// daprStateClient is the part of the Dapr client the gateway uses.
type daprStateClient interface {
	GetState(ctx context.Context, storeName, key string, meta map[string]string) (*daprc.StateItem, error)
	SaveState(ctx context.Context, storeName, key string, data []byte, meta map[string]string, so ...daprc.StateOption) error
	Close()
}

// DaprGateway keeps each channel as one JSON document in a Dapr state store,
// plus a small index document mapping the lower-cased channel name to its ID.
type DaprGateway struct {
	client         daprStateClient
	stateStoreName string
}

func GetEnvValue(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// NewDaprGateway connects to the Dapr sidecar over gRPC.
func NewDaprGateway(config Config) (*DaprGateway, error) {
	// Create Dapr client with custom message size
	maxMessageSize := 200 // 200 MB as configured
	headerBuffer := 1     // 1 MB buffer for headers
	maxSizeInBytes := (maxMessageSize + headerBuffer) * 1024 * 1024

	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(maxSizeInBytes),
		grpc.MaxCallSendMsgSize(maxSizeInBytes),
	}

	daprPort := GetEnvValue("DAPR_GRPC_PORT", defaultDaprGRPCPort)
	stateStoreName := defaultStateStoreName
	if config.DaprConfig != nil {
		if config.DaprConfig.GRPCPort != "" {
			daprPort = config.DaprConfig.GRPCPort
		}
		if config.DaprConfig.StateStoreName != "" {
			stateStoreName = config.DaprConfig.StateStoreName
		}
	}

	conn, err := grpc.Dial(
		net.JoinHostPort("127.0.0.1", daprPort),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	client := daprc.NewClientWithConnection(conn)
	log.Info().Str("state_store", stateStoreName).Str("port", daprPort).Msg("Dapr persistence ready")
	return newDaprGatewayWithClient(client, stateStoreName), nil
}

func newDaprGatewayWithClient(client daprStateClient, stateStoreName string) *DaprGateway {
	return &DaprGateway{client: client, stateStoreName: stateStoreName}
}

func channelKey(channelID string) string {
	return "channel/" + channelID
}

func titleKey(title string) string {
	return "channel-title/" + strings.ToLower(title)
}

func (d *DaprGateway) getDocument(ctx context.Context, key string) (map[string]interface{}, error) {
	item, err := d.client.GetState(ctx, d.stateStoreName, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s from dapr: %w", common.ErrPersistence, key, err)
	}
	if item == nil || len(item.Value) == 0 {
		return nil, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(item.Value, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", common.ErrPersistence, key, err)
	}
	return doc, nil
}

// GetChannelData loads a channel by ID, then by name through the title index.
func (d *DaprGateway) GetChannelData(ctx context.Context, channelIDOrTitle string) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, daprOperationTimeout)
	defer cancel()

	doc, err := d.getDocument(ctx, channelKey(channelIDOrTitle))
	if err != nil || doc != nil {
		return doc, err
	}

	item, err := d.client.GetState(ctx, d.stateStoreName, titleKey(channelIDOrTitle), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: get title index from dapr: %w", common.ErrPersistence, err)
	}
	if item == nil || len(item.Value) == 0 {
		return nil, nil
	}
	return d.getDocument(ctx, channelKey(string(item.Value)))
}

// StoreChannelData merges data into the stored document and saves it.
func (d *DaprGateway) StoreChannelData(ctx context.Context, data map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, daprOperationTimeout)
	defer cancel()

	channel, videos := normalize.NormalizeStoredChannelData(data)
	if channel.ChannelID == "" {
		return fmt.Errorf("%w: channel data has no channel_id", common.ErrPersistence)
	}

	existing, err := d.getDocument(ctx, channelKey(channel.ChannelID))
	if err != nil {
		return err
	}
	if existing != nil {
		_, previous := normalize.NormalizeStoredChannelData(existing)
		videos = mergeVideos(previous, videos)
	}

	payload, err := json.Marshal(normalize.ChannelDataToDBShape(channel, videos))
	if err != nil {
		return fmt.Errorf("%w: marshal channel %s: %w", common.ErrPersistence, channel.ChannelID, err)
	}
	if err := d.client.SaveState(ctx, d.stateStoreName, channelKey(channel.ChannelID), payload, nil); err != nil {
		return fmt.Errorf("%w: save channel %s to dapr: %w", common.ErrPersistence, channel.ChannelID, err)
	}

	if channel.ChannelName != "" {
		if err := d.client.SaveState(ctx, d.stateStoreName, titleKey(channel.ChannelName), []byte(channel.ChannelID), nil); err != nil {
			log.Warn().Err(err).Str("channel_id", channel.ChannelID).Msg("Failed to save channel title index")
		}
	}

	log.Info().Str("channel_id", channel.ChannelID).Int("videos", len(videos)).Msg("Stored channel data in Dapr state store")
	return nil
}

func (d *DaprGateway) Close() error {
	d.client.Close()
	return nil
}
