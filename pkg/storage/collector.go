// Package storage captures produced artifacts into durable blob storage.
// The engine hands the collector a succeeded instance's declared path
// patterns; the collector globs them under the run's working directory and
// uploads every match.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Collector uploads artifact files matched by path patterns.
type Collector struct {
	client BlobClient
	logger *zap.Logger
}

// NewCollector creates an artifact collector over the given blob client.
func NewCollector(client BlobClient, logger *zap.Logger) (*Collector, error) {
	if client == nil {
		return nil, fmt.Errorf("blob client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{client: client, logger: logger}, nil
}

// Collect globs each pattern relative to workDir, uploads every matched
// file under <runID>/<instance>/<relative path>, and returns the uploaded
// blob URLs. Patterns matching nothing are not an error; a pattern may
// legitimately only produce files on some matrix combinations.
func (c *Collector) Collect(ctx context.Context, runID, instance, workDir string, patterns []string) ([]string, error) {
	fsys := os.DirFS(workDir)
	var uploaded []string

	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return uploaded, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			c.logger.Debug("artifact pattern matched no files",
				zap.String("instance", instance),
				zap.String("pattern", pattern))
			continue
		}

		for _, match := range matches {
			info, err := os.Stat(path.Join(workDir, match))
			if err != nil {
				return uploaded, fmt.Errorf("failed to stat artifact %q: %w", match, err)
			}
			if info.IsDir() {
				continue
			}

			data, err := os.ReadFile(path.Join(workDir, match))
			if err != nil {
				return uploaded, fmt.Errorf("failed to read artifact %q: %w", match, err)
			}

			url, err := c.client.UploadArtifact(ctx, path.Join(runID, instance, match), data, map[string]string{
				"run_id":   runID,
				"instance": instance,
				"pattern":  pattern,
			})
			if err != nil {
				return uploaded, err
			}
			uploaded = append(uploaded, url)
		}
	}

	return uploaded, nil
}
