// Package supervisor runs one ffmpeg transcoder per active feed and owns the
// registry of live sessions. It enforces the concurrency limit by evicting
// the oldest session, restarts crashed transcoders with bounded retries, and
// reclaims idle on-demand feeds through a keep-alive watchdog.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/ffmpeg"
	"github.com/nofearsk/rtspserver/internal/models"
	"github.com/nofearsk/rtspserver/internal/repository"
	"github.com/nofearsk/rtspserver/internal/storage"
)

var (
	// ErrFeedNotFound is returned when the requested feed has no catalog row.
	ErrFeedNotFound = errors.New("feed not found")
	// ErrNotRunning is returned by StopFeed when the feed has no registry
	// entry, so a second stop reports failure instead of blocking.
	ErrNotRunning = errors.New("feed is not running")

	// errStoppedDuringStart signals that a concurrent stop claimed the
	// registry slot while the transcoder was being launched.
	errStoppedDuringStart = errors.New("feed stopped while starting")
)

const (
	// stopGracePeriod is how long a transcoder gets to exit after SIGTERM
	// before it is killed.
	stopGracePeriod = 5 * time.Second
	// keepAliveTick is the watchdog's idle-check interval.
	keepAliveTick = 10 * time.Second
)

// SourceProber inspects an RTSP source and reports its codec layout.
type SourceProber interface {
	Probe(ctx context.Context, rtspURL string) (*ffmpeg.ProbeResult, error)
}

// PipelinePlanner turns a feed row and a copy verdict into a runnable
// transcoder command.
type PipelinePlanner interface {
	PlanHLS(feed *models.Feed, probe *ffmpeg.ProbeResult, outputDir string, opts ffmpeg.HLSOptions) *ffmpeg.Command
}

// Supervisor coordinates feed lifecycles. All registry access goes through a
// single mutex; the mutex is held across the pre-start probe so concurrent
// starters of one feed serialize, but never across process termination or
// goroutine joins.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	root   *storage.Root

	feedRepo    repository.FeedRepository
	settingRepo repository.SettingRepository

	prober      SourceProber
	planner     PipelinePlanner
	thumbnailer *ffmpeg.Thumbnailer

	mu    sync.Mutex
	feeds map[string]*FeedProcess

	// kaTick is the watchdog check interval, overridable in tests.
	kaTick time.Duration
}

// New creates a feed supervisor.
func New(cfg *config.Config, feedRepo repository.FeedRepository, settingRepo repository.SettingRepository, prober SourceProber, planner PipelinePlanner) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		logger:      slog.Default(),
		root:        storage.NewRoot(cfg.Streams.Dir),
		feedRepo:    feedRepo,
		settingRepo: settingRepo,
		prober:      prober,
		planner:     planner,
		feeds:       make(map[string]*FeedProcess),
		kaTick:      keepAliveTick,
	}
}

// WithLogger sets the logger.
func (s *Supervisor) WithLogger(logger *slog.Logger) *Supervisor {
	s.logger = logger
	return s
}

// WithThumbnailer enables preview captures. Without one, thumbnail calls are
// no-ops.
func (s *Supervisor) WithThumbnailer(t *ffmpeg.Thumbnailer) *Supervisor {
	s.thumbnailer = t
	return s
}

// Start resets catalog rows left in a live status by a previous run and
// boots every feed configured to always run.
func (s *Supervisor) Start(ctx context.Context) error {
	n, err := s.feedRepo.ResetActiveStatuses(ctx)
	if err != nil {
		return fmt.Errorf("resetting feed statuses: %w", err)
	}
	if n > 0 {
		s.logger.Info("reset feeds left in a live status by previous run", "count", n)
	}

	feeds, err := s.feedRepo.ListByMode(ctx, models.FeedModeAlwaysOn)
	if err != nil {
		return fmt.Errorf("listing always-on feeds: %w", err)
	}
	for _, feed := range feeds {
		if err := s.StartFeed(ctx, feed.ID, ""); err != nil {
			s.logger.Error("failed to boot always-on feed",
				"feed_id", feed.ID, "name", feed.Name, "error", err)
		}
	}
	return nil
}

// Shutdown stops every supervised feed and waits for their monitors to
// finish. Feeds stop in parallel so the total wait is one grace period, not
// one per feed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	ids := s.registeredIDs()
	if len(ids) == 0 {
		return nil
	}
	s.logger.Info("stopping supervised feeds", "count", len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.stopFeed(ctx, id, false); err != nil && !errors.Is(err, ErrNotRunning) {
				s.logger.Warn("failed to stop feed during shutdown", "feed_id", id, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// StartFeed ensures a transcoder session exists for the feed and attaches
// the viewer to it. When the feed is already supervised this only refreshes
// the viewer bookkeeping. An empty viewerID starts the feed without
// registering a viewer.
func (s *Supervisor) StartFeed(ctx context.Context, feedID, viewerID string) error {
	if s.attach(ctx, feedID, viewerID) {
		return nil
	}

	if err := s.makeRoom(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	// Another caller may have installed the feed while room was being made.
	if fp, ok := s.feeds[feedID]; ok {
		count := fp.addViewer(viewerID)
		s.mu.Unlock()
		if viewerID != "" {
			s.persistViewers(ctx, feedID, count)
		}
		return nil
	}

	feed, err := s.feedRepo.GetByID(ctx, feedID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("fetching feed %s: %w", feedID, err)
	}
	if feed == nil {
		s.mu.Unlock()
		return ErrFeedNotFound
	}

	if uerr := s.feedRepo.UpdateStatus(ctx, feedID, models.FeedStatusStarting, "", 0); uerr != nil {
		s.logger.Warn("failed to persist starting status", "feed_id", feedID, "error", uerr)
	}

	probe, err := s.resolveProbe(ctx, feed)
	if err != nil {
		s.mu.Unlock()
		s.persistFailed(ctx, feedID, err.Error())
		return err
	}

	fp := newFeedProcess(context.Background(), feedID, feed.Mode)
	fp.probe = probe
	fp.keepAlive = s.keepAliveFor(ctx, feed)
	fp.addViewer(viewerID)
	s.feeds[feedID] = fp
	s.mu.Unlock()

	if err := s.spawn(ctx, fp); err != nil {
		if errors.Is(err, errStoppedDuringStart) {
			return err
		}
		s.persistFailed(ctx, feedID, err.Error())
		s.teardown(fp)
		return err
	}

	if fp.Mode == models.FeedModeOnDemand {
		go s.keepAliveWatchdog(fp.kaCtx, fp)
	} else {
		close(fp.kaDone)
	}
	go s.monitor(fp)

	s.mu.Lock()
	current := s.feeds[feedID] == fp
	count := len(fp.viewers)
	s.mu.Unlock()
	if current && viewerID != "" {
		s.persistViewers(ctx, feedID, count)
	}
	return nil
}

// attach adds the viewer to an already supervised feed. Returns false when
// the feed has no registry entry.
func (s *Supervisor) attach(ctx context.Context, feedID, viewerID string) bool {
	s.mu.Lock()
	fp, ok := s.feeds[feedID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	count := fp.addViewer(viewerID)
	s.mu.Unlock()

	if viewerID != "" {
		s.persistViewers(ctx, feedID, count)
	}
	return true
}

// makeRoom evicts the longest-running sessions until the registry is below
// the concurrency limit. Reconnecting feeds keep their original start time,
// so a flapping camera cannot dodge eviction by restarting.
func (s *Supervisor) makeRoom(ctx context.Context) error {
	limit := s.maxConcurrent(ctx)
	for {
		s.mu.Lock()
		if len(s.feeds) < limit {
			s.mu.Unlock()
			return nil
		}
		victim := ""
		var oldest time.Time
		for id, fp := range s.feeds {
			if victim == "" || fp.startTime.Before(oldest) {
				victim = id
				oldest = fp.startTime
			}
		}
		s.mu.Unlock()

		if victim == "" {
			return nil
		}
		s.logger.Info("evicting oldest feed to stay under concurrency limit",
			"feed_id", victim, "started_at", oldest, "limit", limit)
		if err := s.stopFeed(ctx, victim, false); err != nil && !errors.Is(err, ErrNotRunning) {
			return fmt.Errorf("evicting feed %s: %w", victim, err)
		}
	}
}

// resolveProbe produces the copy verdict for a feed. Sources with catalogued
// codecs skip the probe; unknown sources are analyzed and the result is
// persisted so later starts are instant. The caller holds the registry mutex.
func (s *Supervisor) resolveProbe(ctx context.Context, feed *models.Feed) (*ffmpeg.ProbeResult, error) {
	if feed.VideoCodec != "" {
		return ffmpeg.ResultFromCodecs(feed.VideoCodec, feed.AudioCodec), nil
	}

	s.logger.Info("analyzing source before first start", "feed_id", feed.ID, "name", feed.Name)
	probe, err := s.prober.Probe(ctx, feed.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("probing source: %w", err)
	}
	if !probe.IsValid {
		return nil, errors.New(probe.Error)
	}

	info := repository.CodecInfo{
		VideoCodec:   probe.VideoCodec,
		AudioCodec:   probe.AudioCodec,
		Resolution:   probe.Resolution(),
		Framerate:    probe.Framerate,
		Bitrate:      int64(probe.VideoBitrate),
		UseTranscode: feed.UseTranscode,
	}
	if uerr := s.feedRepo.UpdateCodecInfo(ctx, feed.ID, info); uerr != nil {
		s.logger.Warn("failed to persist codec info", "feed_id", feed.ID, "error", uerr)
	}
	return probe, nil
}

// spawn launches the transcoder for fp and installs the live command on the
// registry entry. It re-reads the catalog row so a reconnect picks up
// override changes made since the session began. The caller must not hold
// the registry mutex.
func (s *Supervisor) spawn(ctx context.Context, fp *FeedProcess) error {
	feed, err := s.feedRepo.GetByID(ctx, fp.FeedID)
	if err != nil {
		return fmt.Errorf("fetching feed %s: %w", fp.FeedID, err)
	}
	if feed == nil {
		return ErrFeedNotFound
	}

	dir, err := s.root.EnsureFeedDir(fp.FeedID)
	if err != nil {
		return fmt.Errorf("creating segment directory: %w", err)
	}

	s.mu.Lock()
	probe := fp.probe
	s.mu.Unlock()

	cmd := s.planner.PlanHLS(feed, probe, dir, s.hlsOptions(ctx))
	if err := cmd.Start(fp.procCtx); err != nil {
		return fmt.Errorf("starting transcoder: %w", err)
	}

	s.mu.Lock()
	if s.feeds[fp.FeedID] != fp {
		s.mu.Unlock()
		// A concurrent stop claimed the slot; reap the fresh process.
		fp.procCancel()
		_ = cmd.Wait()
		return errStoppedDuringStart
	}
	fp.cmd = cmd
	fp.dir = dir
	oldRes := fp.resource
	res := ffmpeg.NewProcessMonitor(cmd.PID())
	fp.resource = res
	s.mu.Unlock()

	if oldRes != nil {
		oldRes.Stop()
	}
	res.Start()

	if uerr := s.feedRepo.UpdateStatus(ctx, fp.FeedID, models.FeedStatusRunning, "", cmd.PID()); uerr != nil {
		s.logger.Warn("failed to persist running status", "feed_id", fp.FeedID, "error", uerr)
	}

	s.logger.Info("transcoder started", "feed_id", fp.FeedID, "run_id", fp.runID, "pid", cmd.PID())
	return nil
}

// StopFeed terminates a feed's transcoder and removes it from the registry.
// The process gets stopGracePeriod after SIGTERM before it is killed.
// Returns ErrNotRunning when the feed has no registry entry.
func (s *Supervisor) StopFeed(ctx context.Context, feedID string) error {
	return s.stopFeed(ctx, feedID, false)
}

func (s *Supervisor) stopFeed(ctx context.Context, feedID string, fromWatchdog bool) error {
	s.mu.Lock()
	fp, ok := s.feeds[feedID]
	if !ok {
		s.mu.Unlock()
		return ErrNotRunning
	}
	delete(s.feeds, feedID)
	close(fp.stopC)
	cmd := fp.cmd
	res := fp.resource
	fp.resource = nil
	s.mu.Unlock()

	// The watchdog self-terminates after initiating a stop; waiting for it
	// from its own call would deadlock. A nil cmd means the launch never
	// completed and no watchdog or monitor exists to wait for.
	fp.kaCancel()
	if !fromWatchdog && cmd != nil {
		<-fp.kaDone
	}

	if cmd != nil {
		if err := cmd.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("sigterm delivery failed", "feed_id", feedID, "error", err)
		}
		select {
		case <-fp.done:
		case <-time.After(stopGracePeriod):
			s.logger.Warn("transcoder ignored sigterm, killing", "feed_id", feedID, "pid", cmd.PID())
			fp.procCancel()
			<-fp.done
		}
	}
	fp.procCancel()

	if res != nil {
		res.Stop()
	}

	s.persistStopped(ctx, feedID, "")
	if err := s.feedRepo.UpdateViewerCount(ctx, feedID, 0, nil); err != nil {
		s.logger.Warn("failed to clear viewer count", "feed_id", feedID, "error", err)
	}
	s.logger.Info("feed stopped", "feed_id", feedID, "run_id", fp.runID)
	return nil
}

// ViewerHeartbeat keeps a feed alive for a viewer. A supervised feed just
// refreshes its idle clock. A stopped on-demand or smart feed is started;
// always-on feeds are never started from a heartbeat because their absence
// means they failed. Returns whether the feed is live after the call.
func (s *Supervisor) ViewerHeartbeat(ctx context.Context, feedID, viewerID string) (bool, error) {
	if s.attach(ctx, feedID, viewerID) {
		return true, nil
	}

	feed, err := s.feedRepo.GetByID(ctx, feedID)
	if err != nil {
		return false, fmt.Errorf("fetching feed %s: %w", feedID, err)
	}
	if feed == nil {
		return false, nil
	}
	if !feed.Mode.IsOnDemand() {
		return false, nil
	}

	if err := s.StartFeed(ctx, feedID, viewerID); err != nil {
		return false, err
	}
	return true, nil
}

// ViewerDisconnect removes a viewer from a feed. The idle clock restarts
// from now, so the keep-alive window is measured from the last disconnect
// rather than the last heartbeat.
func (s *Supervisor) ViewerDisconnect(ctx context.Context, feedID, viewerID string) error {
	s.mu.Lock()
	fp, ok := s.feeds[feedID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	count := fp.removeViewer(viewerID)
	s.mu.Unlock()

	s.persistViewers(ctx, feedID, count)
	return nil
}

// IsRunning reports whether the feed has a live transcoder session. A feed
// between reconnect attempts still counts as running.
func (s *Supervisor) IsRunning(feedID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.feeds[feedID]
	return ok
}

// RunningCount returns the number of supervised feeds.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// SegmentDir returns the HLS output directory for a feed, or empty when the
// feed is not supervised.
func (s *Supervisor) SegmentDir(feedID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp, ok := s.feeds[feedID]; ok {
		return fp.dir
	}
	return ""
}

// Status returns a live snapshot for one feed. Stopped feeds report a
// stopped status with zero counters; the catalog row carries the rest of
// their state.
func (s *Supervisor) Status(feedID string) FeedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.feeds[feedID]
	if !ok {
		return FeedStatus{Status: string(models.FeedStatusStopped)}
	}
	return s.statusLocked(fp)
}

// Snapshot returns live status for every supervised feed keyed by feed ID.
func (s *Supervisor) Snapshot() map[string]FeedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FeedStatus, len(s.feeds))
	for id, fp := range s.feeds {
		out[id] = s.statusLocked(fp)
	}
	return out
}

func (s *Supervisor) statusLocked(fp *FeedProcess) FeedStatus {
	start := fp.startTime
	st := FeedStatus{
		RunID:          fp.runID,
		ViewerCount:    len(fp.viewers),
		StartTime:      &start,
		ReconnectCount: fp.reconnects,
	}
	switch {
	case fp.cmd == nil:
		st.Status = string(models.FeedStatusStarting)
	case fp.cmd.IsRunning():
		st.Running = true
		st.Status = string(models.FeedStatusRunning)
		st.PID = fp.cmd.PID()
	default:
		st.Status = string(models.FeedStatusReconnecting)
	}
	if fp.resource != nil {
		stats := fp.resource.Stats()
		st.Resource = &stats
	}
	return st
}

// teardown removes fp from the registry after its terminal state has been
// persisted, and releases the resource sampler and process context. The
// keep-alive watchdog is not cancelled here; it notices the missing entry on
// its next tick and exits on its own.
func (s *Supervisor) teardown(fp *FeedProcess) {
	s.mu.Lock()
	if s.feeds[fp.FeedID] == fp {
		delete(s.feeds, fp.FeedID)
	}
	res := fp.resource
	fp.resource = nil
	s.mu.Unlock()

	if res != nil {
		res.Stop()
	}
	fp.procCancel()
}

// stillCurrent reports whether fp is still the installed registry entry for
// its feed. A stale entry means a stop already owned the teardown.
func (s *Supervisor) stillCurrent(fp *FeedProcess) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[fp.FeedID] == fp
}

func (s *Supervisor) registeredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.feeds))
	for id := range s.feeds {
		ids = append(ids, id)
	}
	return ids
}

// maxConcurrent reads the concurrency limit, preferring the runtime setting
// over the static config.
func (s *Supervisor) maxConcurrent(ctx context.Context) int {
	limit, err := s.settingRepo.GetInt(ctx, models.SettingMaxConcurrentStreams, s.cfg.Streams.MaxConcurrentStreams)
	if err != nil {
		s.logger.Warn("failed to read concurrency limit setting", "error", err)
		limit = s.cfg.Streams.MaxConcurrentStreams
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// keepAliveFor resolves the idle window for a feed: per-feed value first,
// then the runtime setting, then the static config.
func (s *Supervisor) keepAliveFor(ctx context.Context, feed *models.Feed) time.Duration {
	secs := feed.KeepAliveSeconds
	if secs <= 0 {
		v, err := s.settingRepo.GetInt(ctx, models.SettingKeepAliveSeconds, s.cfg.Streams.KeepAliveSeconds)
		if err != nil {
			s.logger.Warn("failed to read keep-alive setting", "error", err)
			v = s.cfg.Streams.KeepAliveSeconds
		}
		secs = v
	}
	return time.Duration(secs) * time.Second
}

// hlsOptions reads runtime segmenting overrides. Zero values let the planner
// apply its per-latency-mode defaults, so a global setting does not flatten
// low-latency feeds onto the stable profile.
func (s *Supervisor) hlsOptions(ctx context.Context) ffmpeg.HLSOptions {
	var opts ffmpeg.HLSOptions
	if v, err := s.settingRepo.GetInt(ctx, models.SettingHLSTime, 0); err == nil && v > 0 {
		opts.Time = v
	}
	if v, err := s.settingRepo.GetInt(ctx, models.SettingHLSListSize, 0); err == nil && v > 0 {
		opts.ListSize = v
	}
	return opts
}

func (s *Supervisor) persistStopped(ctx context.Context, feedID, lastError string) {
	if err := s.feedRepo.UpdateStatus(ctx, feedID, models.FeedStatusStopped, lastError, 0); err != nil {
		s.logger.Warn("failed to persist stopped status", "feed_id", feedID, "error", err)
	}
}

func (s *Supervisor) persistFailed(ctx context.Context, feedID, msg string) {
	if err := s.feedRepo.UpdateStatus(ctx, feedID, models.FeedStatusError, msg, 0); err != nil {
		s.logger.Warn("failed to persist error status", "feed_id", feedID, "error", err)
	}
}

func (s *Supervisor) persistViewers(ctx context.Context, feedID string, count int) {
	now := time.Now()
	if err := s.feedRepo.UpdateViewerCount(ctx, feedID, count, &now); err != nil {
		s.logger.Warn("failed to persist viewer count", "feed_id", feedID, "error", err)
	}
}
