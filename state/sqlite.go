package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
	"github.com/researchaccelerator-hub/youtube-collector/normalize"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const defaultSQLitePath = "youtube_data.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		channel_id          TEXT PRIMARY KEY,
		channel_name        TEXT NOT NULL DEFAULT '',
		channel_description TEXT NOT NULL DEFAULT '',
		subscribers         INTEGER NOT NULL DEFAULT 0,
		views               INTEGER NOT NULL DEFAULT 0,
		total_videos        INTEGER NOT NULL DEFAULT 0,
		playlist_id         TEXT NOT NULL DEFAULT '',
		published_at        TEXT NOT NULL DEFAULT '',
		country             TEXT NOT NULL DEFAULT '',
		custom_url          TEXT NOT NULL DEFAULT '',
		thumbnail_default   TEXT NOT NULL DEFAULT '',
		thumbnail_medium    TEXT NOT NULL DEFAULT '',
		thumbnail_high      TEXT NOT NULL DEFAULT '',
		fetched_at          TEXT NOT NULL DEFAULT '',
		updated_at          TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_name ON channels (channel_name COLLATE NOCASE)`,
	`CREATE TABLE IF NOT EXISTS videos (
		video_id          TEXT PRIMARY KEY,
		channel_id        TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		description       TEXT NOT NULL DEFAULT '',
		published_at      TEXT NOT NULL DEFAULT '',
		views             INTEGER NOT NULL DEFAULT 0,
		likes             INTEGER NOT NULL DEFAULT 0,
		comment_count     INTEGER NOT NULL DEFAULT 0,
		duration          TEXT NOT NULL DEFAULT '',
		thumbnail_url     TEXT NOT NULL DEFAULT '',
		comments_disabled INTEGER NOT NULL DEFAULT 0,
		error             TEXT NOT NULL DEFAULT '',
		fetched_at        TEXT NOT NULL DEFAULT '',
		position          INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_channel ON videos (channel_id)`,
	`CREATE TABLE IF NOT EXISTS comments (
		comment_id          TEXT PRIMARY KEY,
		video_id            TEXT NOT NULL,
		text                TEXT NOT NULL DEFAULT '',
		author_display_name TEXT NOT NULL DEFAULT '',
		author_channel_id   TEXT NOT NULL DEFAULT '',
		like_count          INTEGER NOT NULL DEFAULT 0,
		published_at        TEXT NOT NULL DEFAULT '',
		updated_at          TEXT NOT NULL DEFAULT '',
		parent_id           TEXT NOT NULL DEFAULT '',
		total_reply_count   INTEGER NOT NULL DEFAULT 0,
		position            INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_video ON comments (video_id)`,
}

const upsertChannelSQL = `INSERT INTO channels (
	channel_id, channel_name, channel_description, subscribers, views, total_videos,
	playlist_id, published_at, country, custom_url,
	thumbnail_default, thumbnail_medium, thumbnail_high, fetched_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_id) DO UPDATE SET
	channel_name = excluded.channel_name,
	channel_description = excluded.channel_description,
	subscribers = excluded.subscribers,
	views = excluded.views,
	total_videos = excluded.total_videos,
	playlist_id = excluded.playlist_id,
	published_at = excluded.published_at,
	country = excluded.country,
	custom_url = excluded.custom_url,
	thumbnail_default = excluded.thumbnail_default,
	thumbnail_medium = excluded.thumbnail_medium,
	thumbnail_high = excluded.thumbnail_high,
	fetched_at = excluded.fetched_at,
	updated_at = excluded.updated_at`

const upsertVideoSQL = `INSERT INTO videos (
	video_id, channel_id, title, description, published_at, views, likes, comment_count,
	duration, thumbnail_url, comments_disabled, error, fetched_at, position
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
	COALESCE((SELECT position FROM videos WHERE video_id = ?), (SELECT COUNT(*) FROM videos WHERE channel_id = ?)))
ON CONFLICT(video_id) DO UPDATE SET
	channel_id = excluded.channel_id,
	title = excluded.title,
	description = excluded.description,
	published_at = excluded.published_at,
	views = excluded.views,
	likes = excluded.likes,
	comment_count = excluded.comment_count,
	duration = excluded.duration,
	thumbnail_url = excluded.thumbnail_url,
	comments_disabled = excluded.comments_disabled,
	error = excluded.error,
	fetched_at = excluded.fetched_at`

const upsertCommentSQL = `INSERT INTO comments (
	comment_id, video_id, text, author_display_name, author_channel_id, like_count,
	published_at, updated_at, parent_id, total_reply_count, position
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
	COALESCE((SELECT position FROM comments WHERE comment_id = ?), (SELECT COUNT(*) FROM comments WHERE video_id = ?)))
ON CONFLICT(comment_id) DO UPDATE SET
	video_id = excluded.video_id,
	text = excluded.text,
	author_display_name = excluded.author_display_name,
	author_channel_id = excluded.author_channel_id,
	like_count = excluded.like_count,
	published_at = excluded.published_at,
	updated_at = excluded.updated_at,
	parent_id = excluded.parent_id,
	total_reply_count = excluded.total_reply_count`

// SQLiteGateway persists channels, videos and comments in one SQLite file
// using the pure Go modernc.org/sqlite driver.
type SQLiteGateway struct {
	db   *sql.DB
	path string
}

// NewSQLiteGateway opens (creating if needed) the database at path.
func NewSQLiteGateway(path string) (*SQLiteGateway, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	g := &SQLiteGateway{db: db, path: path}
	if err := g.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("SQLite persistence ready")
	return g, nil
}

func (g *SQLiteGateway) migrate(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to configure sqlite: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sqlite schema: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StoreChannelData upserts the channel row, then each video and its comments.
// A failure part way leaves the rows written so far in place.
func (g *SQLiteGateway) StoreChannelData(ctx context.Context, data map[string]interface{}) error {
	channel, videos := normalize.NormalizeStoredChannelData(data)
	if channel.ChannelID == "" {
		return fmt.Errorf("%w: channel data has no channel_id", common.ErrPersistence)
	}

	_, err := g.db.ExecContext(ctx, upsertChannelSQL,
		channel.ChannelID, channel.ChannelName, channel.Description,
		channel.SubscriberCount, channel.ViewCount, channel.VideoCount,
		channel.UploadsPlaylistID, channel.PublishedAt, channel.Country, channel.CustomURL,
		channel.Thumbnails.Default, channel.Thumbnails.Medium, channel.Thumbnails.High,
		channel.FetchedAt, channel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert channel %s: %w", common.ErrPersistence, channel.ChannelID, err)
	}

	comments := 0
	for _, v := range videos {
		_, err := g.db.ExecContext(ctx, upsertVideoSQL,
			v.VideoID, v.ChannelID, v.Title, v.Description, v.PublishedAt,
			v.ViewCount, v.LikeCount, v.CommentCount, v.Duration, v.ThumbnailURL,
			boolToInt(v.CommentsDisabled), v.Error, v.FetchedAt,
			v.VideoID, v.ChannelID,
		)
		if err != nil {
			return fmt.Errorf("%w: upsert video %s: %w", common.ErrPersistence, v.VideoID, err)
		}

		for _, c := range v.Comments {
			_, err := g.db.ExecContext(ctx, upsertCommentSQL,
				c.CommentID, v.VideoID, c.Text, c.AuthorDisplayName, c.AuthorChannelID,
				c.LikeCount, c.PublishedAt, c.UpdatedAt, c.ParentID, c.TotalReplyCount,
				c.CommentID, v.VideoID,
			)
			if err != nil {
				return fmt.Errorf("%w: upsert comment %s: %w", common.ErrPersistence, c.CommentID, err)
			}
			comments++
		}
	}

	log.Info().
		Str("channel_id", channel.ChannelID).
		Int("videos", len(videos)).
		Int("comments", comments).
		Msg("Stored channel data in SQLite")
	return nil
}

// GetChannelData loads a channel by ID, falling back to a case-insensitive name match.
func (g *SQLiteGateway) GetChannelData(ctx context.Context, channelIDOrTitle string) (map[string]interface{}, error) {
	channel, err := g.loadChannel(ctx, `SELECT
		channel_id, channel_name, channel_description, subscribers, views, total_videos,
		playlist_id, published_at, country, custom_url,
		thumbnail_default, thumbnail_medium, thumbnail_high, fetched_at, updated_at
		FROM channels WHERE channel_id = ?`, channelIDOrTitle)
	if errors.Is(err, sql.ErrNoRows) {
		channel, err = g.loadChannel(ctx, `SELECT
			channel_id, channel_name, channel_description, subscribers, views, total_videos,
			playlist_id, published_at, country, custom_url,
			thumbnail_default, thumbnail_medium, thumbnail_high, fetched_at, updated_at
			FROM channels WHERE channel_name = ? COLLATE NOCASE ORDER BY updated_at DESC LIMIT 1`, channelIDOrTitle)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load channel %s: %w", common.ErrPersistence, channelIDOrTitle, err)
	}

	videos, err := g.loadVideos(ctx, channel.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("%w: load videos of %s: %w", common.ErrPersistence, channel.ChannelID, err)
	}
	return normalize.ChannelDataToDBShape(channel, videos), nil
}

func (g *SQLiteGateway) loadChannel(ctx context.Context, query, arg string) (youtube.ChannelRecord, error) {
	var c youtube.ChannelRecord
	err := g.db.QueryRowContext(ctx, query, arg).Scan(
		&c.ChannelID, &c.ChannelName, &c.Description,
		&c.SubscriberCount, &c.ViewCount, &c.VideoCount,
		&c.UploadsPlaylistID, &c.PublishedAt, &c.Country, &c.CustomURL,
		&c.Thumbnails.Default, &c.Thumbnails.Medium, &c.Thumbnails.High,
		&c.FetchedAt, &c.UpdatedAt,
	)
	return c, err
}

func (g *SQLiteGateway) loadVideos(ctx context.Context, channelID string) ([]youtube.VideoRecord, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT
		video_id, channel_id, title, description, published_at, views, likes, comment_count,
		duration, thumbnail_url, comments_disabled, error, fetched_at
		FROM videos WHERE channel_id = ? ORDER BY position, video_id`, channelID)
	if err != nil {
		return nil, err
	}

	var videos []youtube.VideoRecord
	for rows.Next() {
		var v youtube.VideoRecord
		var disabled int
		if err := rows.Scan(
			&v.VideoID, &v.ChannelID, &v.Title, &v.Description, &v.PublishedAt,
			&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.Duration, &v.ThumbnailURL,
			&disabled, &v.Error, &v.FetchedAt,
		); err != nil {
			rows.Close()
			return nil, err
		}
		v.CommentsDisabled = disabled != 0
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range videos {
		comments, err := g.loadComments(ctx, videos[i].VideoID)
		if err != nil {
			return nil, err
		}
		videos[i].Comments = comments
	}
	return videos, nil
}

func (g *SQLiteGateway) loadComments(ctx context.Context, videoID string) ([]youtube.CommentRecord, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT
		comment_id, video_id, text, author_display_name, author_channel_id, like_count,
		published_at, updated_at, parent_id, total_reply_count
		FROM comments WHERE video_id = ? ORDER BY position, comment_id`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []youtube.CommentRecord
	for rows.Next() {
		var c youtube.CommentRecord
		if err := rows.Scan(
			&c.CommentID, &c.VideoID, &c.Text, &c.AuthorDisplayName, &c.AuthorChannelID,
			&c.LikeCount, &c.PublishedAt, &c.UpdatedAt, &c.ParentID, &c.TotalReplyCount,
		); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}
