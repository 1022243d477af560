package supervisor

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nofearsk/rtspserver/internal/ffmpeg"
	"github.com/nofearsk/rtspserver/internal/models"
)

// FeedProcess is a registry entry for one live transcoder session. All
// mutable fields are guarded by the Supervisor mutex; the channels and
// contexts are set once at creation.
type FeedProcess struct {
	FeedID string
	Mode   models.FeedMode

	// runID tags this supervision session in logs and status output. ULIDs
	// sort by mint time, so a feed's runs order chronologically.
	runID string

	cmd      *ffmpeg.Command
	resource *ffmpeg.ProcessMonitor
	probe    *ffmpeg.ProbeResult
	dir      string

	// startTime is fixed at registry insertion and not touched by
	// reconnects, so eviction order reflects when the session began.
	startTime  time.Time
	lastViewer time.Time
	viewers    map[string]struct{}
	reconnects int

	keepAlive time.Duration

	// stopC is closed by stopFeed to interrupt the monitor's reconnect
	// sleep. done is closed by the monitor goroutine when it exits.
	stopC chan struct{}
	done  chan struct{}

	// procCtx gates the transcoder subprocess; cancelling it hard-kills the
	// process when graceful termination times out.
	procCtx    context.Context
	procCancel context.CancelFunc

	// kaCtx gates the keep-alive watchdog. kaDone is closed when the
	// watchdog exits, or immediately when the feed mode gets none.
	kaCtx    context.Context
	kaCancel context.CancelFunc
	kaDone   chan struct{}
}

func newFeedProcess(ctx context.Context, feedID string, mode models.FeedMode) *FeedProcess {
	procCtx, procCancel := context.WithCancel(ctx)
	kaCtx, kaCancel := context.WithCancel(context.Background())
	return &FeedProcess{
		FeedID:     feedID,
		Mode:       mode,
		runID:      ulid.Make().String(),
		viewers:    make(map[string]struct{}),
		startTime:  time.Now(),
		stopC:      make(chan struct{}),
		done:       make(chan struct{}),
		procCtx:    procCtx,
		procCancel: procCancel,
		kaCtx:      kaCtx,
		kaCancel:   kaCancel,
		kaDone:     make(chan struct{}),
	}
}

// addViewer records a viewer and refreshes the idle clock. The caller holds
// the supervisor mutex. An empty viewerID refreshes the clock without
// registering anyone, which is how automatic starts keep a feed warm.
func (fp *FeedProcess) addViewer(viewerID string) int {
	if viewerID != "" {
		fp.viewers[viewerID] = struct{}{}
	}
	fp.lastViewer = time.Now()
	return len(fp.viewers)
}

// removeViewer drops a viewer and refreshes the idle clock so the keep-alive
// window restarts from the last disconnect. The caller holds the supervisor
// mutex.
func (fp *FeedProcess) removeViewer(viewerID string) int {
	delete(fp.viewers, viewerID)
	fp.lastViewer = time.Now()
	return len(fp.viewers)
}

// FeedStatus is a point-in-time view of one feed's supervision state.
type FeedStatus struct {
	Running        bool                 `json:"running"`
	Status         string               `json:"status"`
	RunID          string               `json:"run_id,omitempty"`
	ViewerCount    int                  `json:"viewer_count"`
	StartTime      *time.Time           `json:"start_time,omitempty"`
	PID            int                  `json:"pid,omitempty"`
	ReconnectCount int                  `json:"reconnect_count,omitempty"`
	Resource       *ffmpeg.ProcessStats `json:"resource,omitempty"`
}
