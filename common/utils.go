// Package common holds helpers and the error taxonomy shared by the collector packages.
package common

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TimestampLayout is the ISO-8601 layout used for fetched_at/updated_at fields.
const TimestampLayout = time.RFC3339

// GenerateRunID returns a unique identifier for a single collection run.
func GenerateRunID() string {
	return uuid.New().String()
}

// GenerateBatchID generates an identifier based on the current timestamp.
// The identifier is formatted as a string in the "YYYYMMDDHHMMSS" format.
func GenerateBatchID() string {
	return time.Now().Format("20060102150405")
}

// FormatTimestamp renders t in the layout stored on records.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// DownloadInputFile downloads a channel input list from a URL and saves it to a temporary location.
// Returns the path to the downloaded file and any error encountered.
func DownloadInputFile(url string) (string, error) {
	log.Info().Str("url", url).Msg("Downloading channel input file")

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 YouTube-Collector/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	filename := filepath.Join(os.TempDir(), fmt.Sprintf("channel_inputs_%s.txt", GenerateBatchID()))
	out, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	if _, err = io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write to file: %w", err)
	}

	log.Info().Str("file", filename).Msg("Channel input file downloaded")
	return filename, nil
}

// ReadChannelInputs reads channel inputs (IDs, URLs or handles) from a file, one per line.
// Empty lines and lines starting with '#' are ignored, and duplicates are dropped
// so that no channel is collected twice in the same batch.
func ReadChannelInputs(filename string) ([]string, error) {
	log.Debug().Str("filename", filename).Msg("Reading channel inputs from file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return DedupeInputs(strings.Split(string(data), "\n")), nil
}

// DedupeInputs trims inputs, drops blanks and comments, and removes duplicates
// while keeping first-seen order.
func DedupeInputs(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	var inputs []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		inputs = append(inputs, line)
	}
	return inputs
}
