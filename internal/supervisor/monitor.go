package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nofearsk/rtspserver/internal/ffmpeg"
	"github.com/nofearsk/rtspserver/internal/models"
)

// monitor waits on the transcoder process and drives the reconnect cycle.
// One monitor goroutine spans every respawn of a session; it exits when the
// session leaves the registry. Terminal states are persisted to the catalog
// before the registry entry is removed, so a crash between the two leaves a
// visible status rather than a silently vanished feed.
func (s *Supervisor) monitor(fp *FeedProcess) {
	defer close(fp.done)

	for {
		s.mu.Lock()
		cmd := fp.cmd
		s.mu.Unlock()

		waitErr := cmd.Wait()

		if !s.stillCurrent(fp) {
			// A stop owns the teardown and persistence.
			return
		}

		// Catalog writes below outlive the request that started the feed.
		ctx := context.Background()

		if waitErr == nil {
			s.logger.Info("transcoder exited cleanly",
				"feed_id", fp.FeedID, "run_id", fp.runID, "uptime", cmd.Duration())
			s.persistStopped(ctx, fp.FeedID, "")
			s.teardown(fp)
			return
		}

		s.mu.Lock()
		canRetry := fp.reconnects < s.cfg.Streams.MaxReconnectAttempts
		if canRetry {
			fp.reconnects++
		}
		attempt := fp.reconnects
		s.mu.Unlock()

		if !canRetry {
			msg := ffmpeg.ParseRuntimeError(cmd.StderrText())
			s.logger.Error("transcoder failed permanently",
				"feed_id", fp.FeedID, "run_id", fp.runID, "attempts", attempt, "error", msg)
			s.persistFailed(ctx, fp.FeedID, msg)
			s.teardown(fp)
			return
		}

		s.logger.Warn("transcoder exited, reconnecting",
			"feed_id", fp.FeedID,
			"attempt", attempt,
			"max_attempts", s.cfg.Streams.MaxReconnectAttempts,
			"exit", waitErr)
		if uerr := s.feedRepo.UpdateStatus(ctx, fp.FeedID, models.FeedStatusReconnecting,
			fmt.Sprintf("Reconnecting (attempt %d)...", attempt), 0); uerr != nil {
			s.logger.Warn("failed to persist reconnecting status", "feed_id", fp.FeedID, "error", uerr)
		}

		select {
		case <-fp.stopC:
			return
		case <-time.After(s.cfg.Streams.ReconnectDelay):
		}

		if !s.stillCurrent(fp) {
			return
		}

		if err := s.spawn(ctx, fp); err != nil {
			if errors.Is(err, errStoppedDuringStart) {
				return
			}
			s.logger.Error("reconnect failed", "feed_id", fp.FeedID, "error", err)
			s.persistFailed(ctx, fp.FeedID, err.Error())
			s.teardown(fp)
			return
		}
	}
}

// keepAliveWatchdog reclaims an on-demand feed once it has been idle for its
// keep-alive window with no viewers attached. Only a stop may cancel the
// watchdog, and a cancelled watchdog never initiates a stop of its own; the
// final check below closes the window between cancellation and the stop call.
func (s *Supervisor) keepAliveWatchdog(ctx context.Context, fp *FeedProcess) {
	defer close(fp.kaDone)
	defer fp.kaCancel()

	ticker := time.NewTicker(s.kaTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		current := s.feeds[fp.FeedID] == fp
		viewers := len(fp.viewers)
		last := fp.lastViewer
		idle := fp.keepAlive
		s.mu.Unlock()

		if !current {
			return
		}
		if viewers > 0 || last.IsZero() || time.Since(last) < idle {
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		s.logger.Info("reclaiming idle feed",
			"feed_id", fp.FeedID, "idle", time.Since(last).Round(time.Second), "keep_alive", idle)
		if err := s.stopFeed(context.Background(), fp.FeedID, true); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("failed to stop idle feed", "feed_id", fp.FeedID, "error", err)
		}
		return
	}
}
