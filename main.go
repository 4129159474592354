package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/researchaccelerator-hub/youtube-collector/client"
	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/config"
	"github.com/researchaccelerator-hub/youtube-collector/distributed"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/orchestrator"
	"github.com/researchaccelerator-hub/youtube-collector/resolver"
	"github.com/researchaccelerator-hub/youtube-collector/standalone"
	"github.com/researchaccelerator-hub/youtube-collector/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":      "log_level",
	"log-format":     "log_format",
	"storage":        "storage.backend",
	"sqlite-path":    "storage.sqlite_path",
	"dapr-store":     "storage.dapr_state_store",
	"pubsub":         "publish.pubsub_component",
	"quota-limit":    "quota_limit",
	"retries":        "retry_attempts",
	"concurrency":    "concurrency",
	"max-videos":     "collection.max_videos",
	"max-comments":   "collection.max_comments_per_video",
	"max-replies":    "collection.max_replies_per_comment",
	"channel-data":   "collection.fetch_channel_data",
	"videos":         "collection.fetch_videos",
	"comments":       "collection.fetch_comments",
	"optimize-quota": "collection.optimize_quota",
	"comprehensive":  "collection.comprehensive_delta",
	"page-token":     "collection.page_token",
}

// apiFactory builds the Data API adapter and channel lookup. The returned
// func releases them.
type apiFactory func(ctx context.Context, cfg *config.CollectorConfig) (youtube.YouTubeAPI, resolver.ChannelLookup, func(), error)

type gatewayFactory func(cfg *config.CollectorConfig) (state.PersistenceGateway, error)

type resultPublisher interface {
	Publish(ctx context.Context, result *orchestrator.CollectionResult) error
	Close() error
}

type publisherFactory func(cfg *config.CollectorConfig) (resultPublisher, error)

type app struct {
	v          *viper.Viper
	configFile string
	outputFile string
	out        io.Writer

	newAPI       apiFactory
	newGateway   gatewayFactory
	newPublisher publisherFactory
}

func newApp(out io.Writer) *app {
	return &app{
		v:            viper.New(),
		out:          out,
		newAPI:       dataAPI,
		newGateway:   storageGateway,
		newPublisher: daprPublisher,
	}
}

func dataAPI(ctx context.Context, cfg *config.CollectorConfig) (youtube.YouTubeAPI, resolver.ChannelLookup, func(), error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, nil, nil, err
	}
	c, err := client.NewYouTubeDataClient(cfg.ClientConfig())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to the YouTube Data API: %w", err)
	}
	release := func() {
		if err := c.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to disconnect YouTube client")
		}
	}
	return c, c, release, nil
}

func storageGateway(cfg *config.CollectorConfig) (state.PersistenceGateway, error) {
	factory := &state.DefaultGatewayFactory{}
	return factory.Create(cfg.StateConfig())
}

func daprPublisher(cfg *config.CollectorConfig) (resultPublisher, error) {
	p, err := distributed.NewPublisher(distributed.PublisherConfig{
		PubSubComponent: cfg.Publish.PubSubComponent,
		ResultsTopic:    cfg.Publish.ResultsTopic,
		DeltasTopic:     cfg.Publish.DeltasTopic,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func setupLogging(cfg *config.CollectorConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// load binds the flags of cmd and reads the configuration.
func (a *app) load(cmd *cobra.Command) (*config.CollectorConfig, error) {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = a.v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func (a *app) writeJSON(v interface{}) error {
	out := a.out
	if a.outputFile != "" {
		f, err := os.Create(a.outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// session holds what one command needs to run collections.
type session struct {
	cfg       *config.CollectorConfig
	api       youtube.YouTubeAPI
	lookup    resolver.ChannelLookup
	gateway   state.PersistenceGateway
	publisher resultPublisher
	release   func()
}

func (a *app) open(ctx context.Context, cfg *config.CollectorConfig, withGateway bool) (*session, error) {
	api, lookup, release, err := a.newAPI(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, api: api, lookup: lookup, release: release}
	if withGateway {
		gateway, err := a.newGateway(cfg)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		s.gateway = gateway
	}
	if cfg.Publish.Enabled() {
		publisher, err := a.newPublisher(cfg)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to create result publisher: %w", err)
		}
		s.publisher = publisher
	}
	return s, nil
}

func (s *session) publish(ctx context.Context, result *orchestrator.CollectionResult) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, result); err != nil {
		log.Warn().Err(err).Str("channel_id", result.ChannelID).Msg("Failed to publish collection result")
	}
}

func (s *session) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(s.api, s.lookup, s.gateway)
}

func (s *session) close() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close result publisher")
		}
	}
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close storage")
		}
	}
	if s.release != nil {
		s.release()
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ytcollect",
		Short:         "Collect YouTube channel, video and comment data and track changes between runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	pf.StringVarP(&a.outputFile, "output", "o", "", "write results to this file instead of stdout")
	pf.String("log-level", "info", "log level")
	pf.String("log-format", "json", "log format: json or console")
	pf.String("storage", state.BackendSQLite, "storage backend: sqlite, dapr or memory")
	pf.String("sqlite-path", "youtube_data.db", "SQLite database file")
	pf.String("dapr-store", "statestore", "Dapr state store component")
	pf.Int("quota-limit", 10000, "quota units a single channel run may spend")
	pf.Int("retries", 3, "retries per API call after the first attempt")
	pf.String("pubsub", "", "Dapr pub/sub component to announce results on, empty to disable")

	root.AddCommand(
		newCollectCmd(a),
		newRefreshCmd(a),
		newEstimateCmd(a),
		newBatchCmd(a),
	)
	return root
}

func addCollectionFlags(fs *pflag.FlagSet) {
	fs.Int("max-videos", 50, "maximum videos to collect, 0 for all")
	fs.Int("max-comments", 20, "maximum top-level comments per video, 0 to skip comments")
	fs.Int("max-replies", 0, "maximum replies per comment")
	fs.Bool("channel-data", true, "fetch channel metadata")
	fs.Bool("videos", true, "fetch videos")
	fs.Bool("comments", true, "fetch comments")
	fs.Bool("optimize-quota", false, "collect comments for the most viewed videos first and only while quota lasts")
	fs.Bool("comprehensive", false, "include unchanged fields and items in the delta")
	fs.String("page-token", "", "resume video listing from this page token")
}

func newCollectCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "collect <channel>",
		Short: "Collect a channel from scratch and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			s, err := a.open(cmd.Context(), cfg, !dryRun)
			if err != nil {
				return err
			}
			defer s.close()

			o := s.orchestrator()
			result, err := o.Collect(cmd.Context(), args[0], cfg.CollectionOptions(), nil)
			if err != nil {
				return err
			}
			if !dryRun && !result.Saved {
				if err := o.Save(cmd.Context(), result); err != nil {
					log.Warn().Err(err).Str("channel_id", result.ChannelID).Msg("Failed to store collected channel")
				}
			}
			s.publish(cmd.Context(), result)
			return a.writeJSON(result)
		},
	}
	addCollectionFlags(cmd.Flags())
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "do not store the result")
	return cmd
}

func newRefreshCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh <channel>",
		Short: "Collect a stored channel again and report what changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			s, err := a.open(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer s.close()

			result, err := s.orchestrator().Refresh(cmd.Context(), args[0], cfg.CollectionOptions())
			if err != nil {
				return err
			}
			s.publish(cmd.Context(), result)
			return a.writeJSON(result)
		},
	}
	addCollectionFlags(cmd.Flags())
	return cmd
}

type estimateReport struct {
	Input       string `json:"input"`
	ChannelID   string `json:"channel_id,omitempty"`
	StoredData  bool   `json:"stored_data"`
	Estimate    int    `json:"estimate"`
	QuotaLimit  int    `json:"quota_limit"`
	WithinLimit bool   `json:"within_limit"`
}

func newEstimateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate <channel>",
		Short: "Estimate the quota a collection would use, without calling the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			gateway, err := a.newGateway(cfg)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer gateway.Close()

			input := args[0]
			report := estimateReport{Input: input, QuotaLimit: cfg.QuotaLimit}
			key := input
			if id := resolver.Parse(input); id.Kind == resolver.KindChannelID {
				key = id.Value
				report.ChannelID = id.Value
			}
			existing, err := gateway.GetChannelData(cmd.Context(), key)
			if err != nil {
				log.Warn().Err(err).Str("input", input).Msg("Failed to load stored channel data")
			}
			if existing != nil {
				report.StoredData = true
				if id, ok := existing["channel_id"].(string); ok {
					report.ChannelID = id
				}
			}

			o := orchestrator.New(nil, nil, gateway)
			report.Estimate = o.Estimate(cfg.CollectionOptions(), existing)
			report.WithinLimit = report.Estimate <= cfg.QuotaLimit
			return a.writeJSON(report)
		},
	}
	addCollectionFlags(cmd.Flags())
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	var (
		inputFile string
		inputURL  string
		refresh   bool
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "batch [channel...]",
		Short: "Collect many channels, from arguments, a file or a URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if refresh && dryRun {
				return fmt.Errorf("--refresh and --dry-run cannot be combined")
			}
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}

			inputs := append([]string{}, args...)
			if inputURL != "" {
				path, err := common.DownloadInputFile(inputURL)
				if err != nil {
					return err
				}
				inputFile = path
			}
			if inputFile != "" {
				lines, err := common.ReadChannelInputs(inputFile)
				if err != nil {
					return err
				}
				inputs = append(inputs, lines...)
			}
			if len(inputs) == 0 {
				return fmt.Errorf("no channels given: pass them as arguments, --file or --url")
			}

			s, err := a.open(cmd.Context(), cfg, !dryRun)
			if err != nil {
				return err
			}
			defer s.close()

			mode := standalone.ModeCollect
			switch {
			case refresh:
				mode = standalone.ModeRefresh
			case dryRun:
				mode = standalone.ModeDryRun
			}
			runner := standalone.NewRunner(s.orchestrator, cfg.Concurrency, mode)
			if s.publisher != nil {
				runner.PublishTo(s.publisher)
			}
			results, runErr := runner.Run(cmd.Context(), inputs, cfg.CollectionOptions())
			if err := a.writeJSON(results); err != nil {
				return err
			}
			return runErr
		},
	}
	addCollectionFlags(cmd.Flags())
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "file with one channel input per line")
	cmd.Flags().StringVar(&inputURL, "url", "", "URL of a file with one channel input per line")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh stored channels and report deltas")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "do not store results")
	cmd.Flags().Int("concurrency", 2, "channels collected at once")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp(os.Stdout)).ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}
