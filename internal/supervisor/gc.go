package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nofearsk/rtspserver/internal/models"
	"github.com/nofearsk/rtspserver/pkg/format"
)

// CleanupSegments sweeps the segment root: aged .ts files are deleted from
// every feed directory, and directories whose feed exists in neither the
// registry nor the catalog are removed whole. Per-file failures are logged
// and skipped so one bad inode cannot stall the sweep.
func (s *Supervisor) CleanupSegments(ctx context.Context) error {
	feedIDs, err := s.root.FeedDirs()
	if err != nil {
		return fmt.Errorf("reading segment root: %w", err)
	}

	maxAgeMin, err := s.settingRepo.GetInt(ctx, models.SettingSegmentMaxAgeMinutes, s.cfg.Cleanup.SegmentMaxAgeMinutes)
	if err != nil {
		maxAgeMin = s.cfg.Cleanup.SegmentMaxAgeMinutes
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeMin) * time.Minute)

	var segments, dirs int
	var freed int64
	for _, feedID := range feedIDs {
		dir, rerr := s.root.FeedDir(feedID)
		if rerr != nil {
			continue
		}

		if !s.IsRunning(feedID) {
			feed, ferr := s.feedRepo.GetByID(ctx, feedID)
			if ferr != nil {
				s.logger.Warn("cleanup: catalog lookup failed", "feed_id", feedID, "error", ferr)
				continue
			}
			if feed == nil {
				if rerr := s.root.RemoveFeedDir(feedID); rerr != nil {
					s.logger.Warn("cleanup: failed to remove orphaned directory", "dir", dir, "error", rerr)
					continue
				}
				dirs++
				continue
			}
		}

		n, b := s.sweepAgedSegments(dir, cutoff)
		segments += n
		freed += b
	}

	if segments > 0 || dirs > 0 {
		s.logger.Debug("segment cleanup pass",
			"segments_removed", segments,
			"dirs_removed", dirs,
			"freed", format.Bytes(freed))
	}
	return nil
}

func (s *Supervisor) sweepAgedSegments(dir string, cutoff time.Time) (int, int64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("cleanup: failed to read feed directory", "dir", dir, "error", err)
		return 0, 0
	}

	removed := 0
	var bytes int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ts") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("cleanup: failed to remove segment", "path", path, "error", err)
			continue
		}
		removed++
		bytes += info.Size()
	}
	return removed, bytes
}

// CaptureThumbnail refreshes the stored preview for one feed and persists it
// as a data URL. Supervised feeds are captured from their newest segment so
// the camera serves no extra connection; stopped feeds are captured straight
// from the source.
func (s *Supervisor) CaptureThumbnail(ctx context.Context, feed *models.Feed) error {
	if s.thumbnailer == nil {
		return nil
	}

	dir := s.SegmentDir(feed.ID)

	var dataURL string
	var err error
	if dir != "" {
		dataURL, err = s.thumbnailer.CaptureFromHLS(ctx, dir)
	} else {
		dataURL, err = s.thumbnailer.CaptureFromSource(ctx, feed.SourceURL)
	}
	if err != nil {
		return fmt.Errorf("capturing thumbnail for %s: %w", feed.ID, err)
	}

	if err := s.feedRepo.UpdateThumbnail(ctx, feed.ID, dataURL, time.Now()); err != nil {
		return fmt.Errorf("persisting thumbnail for %s: %w", feed.ID, err)
	}
	return nil
}

// RefreshThumbnails updates previews for every supervised feed. Failures are
// expected while a transcoder warms up and has produced no segments yet, so
// they are logged at debug and skipped.
func (s *Supervisor) RefreshThumbnails(ctx context.Context) error {
	for _, id := range s.registeredIDs() {
		feed, err := s.feedRepo.GetByID(ctx, id)
		if err != nil || feed == nil {
			continue
		}
		if err := s.CaptureThumbnail(ctx, feed); err != nil {
			s.logger.Debug("thumbnail refresh skipped", "feed_id", id, "error", err)
		}
	}
	return nil
}
