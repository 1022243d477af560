package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/nofearsk/rtspserver/internal/auth"
	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/http/middleware"
	"github.com/nofearsk/rtspserver/internal/models"
	"github.com/nofearsk/rtspserver/internal/observability"
	"github.com/nofearsk/rtspserver/internal/repository"
	"github.com/nofearsk/rtspserver/internal/storage"
	"github.com/nofearsk/rtspserver/internal/supervisor"
)

// FeedHandler handles feed catalog and lifecycle API endpoints.
type FeedHandler struct {
	feeds  repository.FeedRepository
	sup    *supervisor.Supervisor
	minter *auth.Minter
	prober supervisor.SourceProber
	cfg    *config.Config
	root   *storage.Root
	logger *slog.Logger
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(feeds repository.FeedRepository, sup *supervisor.Supervisor, minter *auth.Minter, cfg *config.Config) *FeedHandler {
	return &FeedHandler{
		feeds:  feeds,
		sup:    sup,
		minter: minter,
		cfg:    cfg,
		root:   storage.NewRoot(cfg.Streams.Dir),
		logger: slog.Default(),
	}
}

// WithProber sets the prober used by the analyze endpoint.
func (h *FeedHandler) WithProber(p supervisor.SourceProber) *FeedHandler {
	h.prober = p
	return h
}

// WithLogger sets the logger for the handler.
func (h *FeedHandler) WithLogger(logger *slog.Logger) *FeedHandler {
	h.logger = logger
	return h
}

// Register registers the feed routes with the API.
func (h *FeedHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listFeeds",
		Method:      "GET",
		Path:        "/api/v1/feeds",
		Summary:     "List feeds",
		Description: "Returns feeds with pagination plus per-status counts",
		Tags:        []string{"Feeds"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "createFeed",
		Method:      "POST",
		Path:        "/api/v1/feeds",
		Summary:     "Create feed",
		Description: "Creates a new feed. Feeds in always_on mode are started immediately.",
		Tags:        []string{"Feeds"},
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "getFeed",
		Method:      "GET",
		Path:        "/api/v1/feeds/{id}",
		Summary:     "Get feed",
		Description: "Returns a feed by ID",
		Tags:        []string{"Feeds"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "updateFeed",
		Method:      "PATCH",
		Path:        "/api/v1/feeds/{id}",
		Summary:     "Update feed",
		Description: "Updates a feed. A running feed is restarted so the new settings take effect; changing the source URL clears the detected codec info.",
		Tags:        []string{"Feeds"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID: "deleteFeed",
		Method:      "DELETE",
		Path:        "/api/v1/feeds/{id}",
		Summary:     "Delete feed",
		Description: "Stops the feed if running, deletes it and removes its segment directory",
		Tags:        []string{"Feeds"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "analyzeFeed",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/analyze",
		Summary:     "Analyze feed source",
		Description: "Probes the RTSP source, persists the detected codec info and returns recommended settings",
		Tags:        []string{"Feeds"},
	}, h.Analyze)

	huma.Register(api, huma.Operation{
		OperationID: "startFeed",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/start",
		Summary:     "Start feed",
		Description: "Manually starts the feed's transcoder",
		Tags:        []string{"Feeds"},
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "stopFeed",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/stop",
		Summary:     "Stop feed",
		Description: "Stops the feed's transcoder",
		Tags:        []string{"Feeds"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "getFeedStatus",
		Method:      "GET",
		Path:        "/api/v1/feeds/{id}/status",
		Summary:     "Get feed status",
		Description: "Returns the live supervisor view of the feed",
		Tags:        []string{"Feeds"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "createFeedToken",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/token",
		Summary:     "Mint playback token",
		Description: "Mints a signed playback token for the feed's HLS playlist",
		Tags:        []string{"Feeds"},
	}, h.Token)

	huma.Register(api, huma.Operation{
		OperationID: "feedHeartbeat",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/heartbeat",
		Summary:     "Viewer heartbeat",
		Description: "Keeps an on-demand feed alive while a viewer is watching. Requires a playback token.",
		Tags:        []string{"Feeds"},
	}, h.Heartbeat)

	huma.Register(api, huma.Operation{
		OperationID: "feedDisconnect",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/disconnect",
		Summary:     "Viewer disconnect",
		Description: "Detaches a viewer so the keep-alive window starts counting immediately. Requires a playback token.",
		Tags:        []string{"Feeds"},
	}, h.Disconnect)

	huma.Register(api, huma.Operation{
		OperationID: "captureFeedSnapshot",
		Method:      "POST",
		Path:        "/api/v1/feeds/{id}/snapshot",
		Summary:     "Capture snapshot",
		Description: "Captures a fresh thumbnail from the running stream, or directly from the source when stopped",
		Tags:        []string{"Feeds"},
	}, h.Snapshot)

	h.registerBatch(api)
}

func (h *FeedHandler) registerBatch(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "batchStartFeeds",
		Method:      "POST",
		Path:        "/api/v1/feeds/batch/start",
		Summary:     "Start multiple feeds",
		Description: "Starts multiple feeds, reporting per-feed results",
		Tags:        []string{"Feeds"},
	}, h.BatchStart)

	huma.Register(api, huma.Operation{
		OperationID: "batchStopFeeds",
		Method:      "POST",
		Path:        "/api/v1/feeds/batch/stop",
		Summary:     "Stop multiple feeds",
		Description: "Stops multiple feeds, reporting per-feed results",
		Tags:        []string{"Feeds"},
	}, h.BatchStop)

	huma.Register(api, huma.Operation{
		OperationID: "batchRestartFeeds",
		Method:      "POST",
		Path:        "/api/v1/feeds/batch/restart",
		Summary:     "Restart multiple feeds",
		Description: "Stops (when running) and starts multiple feeds",
		Tags:        []string{"Feeds"},
	}, h.BatchRestart)

	huma.Register(api, huma.Operation{
		OperationID: "batchDeleteFeeds",
		Method:      "POST",
		Path:        "/api/v1/feeds/batch/delete",
		Summary:     "Delete multiple feeds",
		Description: "Stops and deletes multiple feeds",
		Tags:        []string{"Feeds"},
	}, h.BatchDelete)
}

// getFeed loads a feed by ID, translating a missing row into a 404.
func (h *FeedHandler) getFeed(ctx context.Context, id string) (*models.Feed, error) {
	feed, err := h.feeds.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get feed", err)
	}
	if feed == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("feed %s not found", id))
	}
	return feed, nil
}

// isDuplicateURL recognizes unique-constraint violations on source_url from
// the sqlite, postgres and mysql drivers.
func isDuplicateURL(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}

// ListFeedsInput is the input for listing feeds.
type ListFeedsInput struct {
	Pagination
	SortBy    string `query:"sort_by" default:"created_at" enum:"name,created_at,status" doc:"Sort column"`
	SortOrder string `query:"sort_order" default:"desc" enum:"asc,desc" doc:"Sort direction"`
}

// ListFeedsOutput is the output for listing feeds.
type ListFeedsOutput struct {
	Body FeedListResponse
}

// List returns feeds with pagination and per-status counts.
func (h *FeedHandler) List(ctx context.Context, input *ListFeedsInput) (*ListFeedsOutput, error) {
	opts := repository.ListOptions{
		Offset:    (input.Page - 1) * input.Limit,
		Limit:     input.Limit,
		SortBy:    input.SortBy,
		SortOrder: input.SortOrder,
	}

	feeds, total, err := h.feeds.List(ctx, opts)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list feeds", err)
	}

	counts := map[string]int64{"total": total}
	for _, status := range []models.FeedStatus{
		models.FeedStatusStopped,
		models.FeedStatusStarting,
		models.FeedStatusRunning,
		models.FeedStatusReconnecting,
		models.FeedStatusError,
	} {
		n, err := h.feeds.CountByStatus(ctx, status)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to count feeds", err)
		}
		counts[string(status)] = n
	}

	totalPages := int64(1)
	if total > 0 {
		totalPages = (total + int64(input.Limit) - 1) / int64(input.Limit)
	}

	resp := &ListFeedsOutput{}
	resp.Body.Pagination = PaginationMeta{
		CurrentPage: input.Page,
		PageSize:    input.Limit,
		TotalItems:  total,
		TotalPages:  totalPages,
	}
	resp.Body.Counts = counts
	resp.Body.Feeds = make([]FeedResponse, 0, len(feeds))
	// One registry snapshot covers the whole page instead of a lock
	// acquisition per row.
	live := h.sup.Snapshot()
	for _, f := range feeds {
		_, running := live[f.ID]
		resp.Body.Feeds = append(resp.Body.Feeds, FeedFromModel(f, running))
	}

	return resp, nil
}

// CreateFeedInput is the input for creating a feed.
type CreateFeedInput struct {
	Body CreateFeedRequest
}

// CreateFeedOutput is the output for creating a feed.
type CreateFeedOutput struct {
	Body FeedResponse
}

// Create creates a new feed.
func (h *FeedHandler) Create(ctx context.Context, input *CreateFeedInput) (*CreateFeedOutput, error) {
	feed := input.Body.ToModel()

	if err := feed.Validate(); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	existing, err := h.feeds.GetBySourceURL(ctx, feed.SourceURL)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to check source URL", err)
	}
	if existing != nil {
		return nil, huma.Error400BadRequest("a feed with this source URL already exists")
	}

	if h.cfg.Streams.MaxStreams > 0 {
		count, err := h.feeds.Count(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to count feeds", err)
		}
		if count >= int64(h.cfg.Streams.MaxStreams) {
			return nil, huma.Error400BadRequest(fmt.Sprintf("maximum number of feeds (%d) reached", h.cfg.Streams.MaxStreams))
		}
	}

	if err := h.feeds.Create(ctx, feed); err != nil {
		// Two concurrent creates can pass the pre-check; the unique index
		// catches the loser.
		if isDuplicateURL(err) {
			return nil, huma.Error400BadRequest("a feed with this source URL already exists")
		}
		return nil, huma.Error500InternalServerError("failed to create feed", err)
	}

	// Capture an initial thumbnail without blocking the response.
	go func() {
		if err := h.sup.CaptureThumbnail(context.Background(), feed); err != nil {
			h.logger.Debug("initial thumbnail capture failed",
				slog.String("feed_id", feed.ID),
				slog.Any("error", err),
			)
		}
	}()

	if feed.Mode.IsAlwaysOn() {
		if err := h.sup.StartFeed(ctx, feed.ID, ""); err != nil {
			h.logger.Warn("failed to start always-on feed after create",
				slog.String("feed_id", feed.ID),
				slog.Any("error", err),
			)
		}
	}

	return &CreateFeedOutput{
		Body: FeedFromModel(feed, h.sup.IsRunning(feed.ID)),
	}, nil
}

// GetFeedInput is the input for getting a feed.
type GetFeedInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// GetFeedOutput is the output for getting a feed.
type GetFeedOutput struct {
	Body FeedResponse
}

// GetByID returns a feed by ID.
func (h *FeedHandler) GetByID(ctx context.Context, input *GetFeedInput) (*GetFeedOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	return &GetFeedOutput{
		Body: FeedFromModel(feed, h.sup.IsRunning(feed.ID)),
	}, nil
}

// UpdateFeedInput is the input for updating a feed.
type UpdateFeedInput struct {
	ID   string `path:"id" doc:"Feed ID"`
	Body UpdateFeedRequest
}

// UpdateFeedOutput is the output for updating a feed.
type UpdateFeedOutput struct {
	Body FeedResponse
}

// Update updates an existing feed. A running feed is restarted so the
// transcoder picks up the new settings.
func (h *FeedHandler) Update(ctx context.Context, input *UpdateFeedInput) (*UpdateFeedOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Body.SourceURL != nil && *input.Body.SourceURL != feed.SourceURL {
		existing, err := h.feeds.GetBySourceURL(ctx, *input.Body.SourceURL)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to check source URL", err)
		}
		if existing != nil && existing.ID != feed.ID {
			return nil, huma.Error400BadRequest("a feed with this source URL already exists")
		}
	}

	input.Body.ApplyToModel(feed)

	if err := feed.Validate(); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}

	if err := h.feeds.Update(ctx, feed); err != nil {
		if isDuplicateURL(err) {
			return nil, huma.Error400BadRequest("a feed with this source URL already exists")
		}
		return nil, huma.Error500InternalServerError("failed to update feed", err)
	}

	if h.sup.IsRunning(feed.ID) {
		if err := h.sup.StopFeed(ctx, feed.ID); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			h.logger.Warn("failed to stop feed for restart",
				slog.String("feed_id", feed.ID),
				slog.Any("error", err),
			)
		}
		if err := h.sup.StartFeed(ctx, feed.ID, ""); err != nil {
			h.logger.Warn("failed to restart feed after update",
				slog.String("feed_id", feed.ID),
				slog.Any("error", err),
			)
		}
	}

	return &UpdateFeedOutput{
		Body: FeedFromModel(feed, h.sup.IsRunning(feed.ID)),
	}, nil
}

// DeleteFeedInput is the input for deleting a feed.
type DeleteFeedInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// DeleteFeedOutput is the output for deleting a feed.
type DeleteFeedOutput struct{}

// Delete stops a feed if running, removes it from the catalog and deletes
// its segment directory.
func (h *FeedHandler) Delete(ctx context.Context, input *DeleteFeedInput) (*DeleteFeedOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if err := h.sup.StopFeed(ctx, feed.ID); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return nil, huma.Error500InternalServerError("failed to stop feed", err)
	}

	if err := h.feeds.Delete(ctx, feed.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete feed", err)
	}

	if err := h.root.RemoveFeedDir(feed.ID); err != nil {
		h.logger.Warn("failed to remove segment directory",
			slog.String("feed_id", feed.ID),
			slog.Any("error", err),
		)
	}

	return &DeleteFeedOutput{}, nil
}

// AnalyzeFeedInput is the input for analyzing a feed.
type AnalyzeFeedInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// AnalyzeFeedOutput is the output for analyzing a feed.
type AnalyzeFeedOutput struct {
	Body AnalyzeResponse
}

// Analyze probes the feed's source and persists the detected codec info.
// Probe failures are reported in the response body, not as HTTP errors;
// only infrastructure problems (missing ffprobe) surface as 500s.
func (h *FeedHandler) Analyze(ctx context.Context, input *AnalyzeFeedInput) (*AnalyzeFeedOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if h.prober == nil {
		return nil, huma.Error500InternalServerError("no prober configured", nil)
	}

	result, err := h.prober.Probe(ctx, feed.SourceURL)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to probe source", err)
	}

	if result.IsValid {
		info := repository.CodecInfo{
			VideoCodec:   result.VideoCodec,
			AudioCodec:   result.AudioCodec,
			Resolution:   result.Resolution(),
			Framerate:    result.Framerate,
			Bitrate:      int64(result.VideoBitrate),
			UseTranscode: feed.UseTranscode,
		}
		if err := h.feeds.UpdateCodecInfo(ctx, feed.ID, info); err != nil {
			return nil, huma.Error500InternalServerError("failed to persist codec info", err)
		}
	}

	recommended := map[string]any{
		"use_transcode": result.NeedsTranscode,
	}
	if result.NeedsTranscode {
		recommended["preset"] = "ultrafast"
		recommended["tune"] = "zerolatency"
	}
	if !result.CanCopyAudio && result.AudioCodec != "" {
		recommended["transcode_audio"] = true
	}

	return &AnalyzeFeedOutput{
		Body: AnalyzeResponse{
			IsValid:             result.IsValid,
			Error:               result.Error,
			VideoCodec:          result.VideoCodec,
			VideoCodecName:      result.VideoCodecName,
			Resolution:          result.Resolution(),
			Framerate:           result.Framerate,
			VideoBitrate:        result.VideoBitrate,
			AudioCodec:          result.AudioCodec,
			AudioCodecName:      result.AudioCodecName,
			SampleRate:          result.SampleRate,
			Channels:            result.Channels,
			CanCopyVideo:        result.CanCopyVideo,
			CanCopyAudio:        result.CanCopyAudio,
			NeedsTranscode:      result.NeedsTranscode,
			TranscodeReason:     result.TranscodeReason,
			RecommendedSettings: recommended,
		},
	}, nil
}

// liveStatus builds the status response for one feed, falling back to the
// catalog row for feeds without a live session.
func (h *FeedHandler) liveStatus(feed *models.Feed) FeedStatusResponse {
	st := h.sup.Status(feed.ID)
	resp := FeedStatusResponse{
		FeedID:         feed.ID,
		Running:        st.Running,
		Status:         st.Status,
		RunID:          st.RunID,
		ViewerCount:    st.ViewerCount,
		StartTime:      st.StartTime,
		PID:            st.PID,
		ReconnectCount: st.ReconnectCount,
		Resource:       st.Resource,
	}
	if !h.sup.IsRunning(feed.ID) {
		resp.Status = string(feed.Status)
	}
	return resp
}

// StartFeedInput is the input for starting a feed.
type StartFeedInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// StartFeedOutput is the output for starting a feed.
type StartFeedOutput struct {
	Body FeedStatusResponse
}

// Start manually starts a feed's transcoder.
func (h *FeedHandler) Start(ctx context.Context, input *StartFeedInput) (*StartFeedOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if h.sup.IsRunning(feed.ID) {
		return nil, huma.Error400BadRequest("feed already running")
	}

	if err := h.sup.StartFeed(ctx, feed.ID, ""); err != nil {
		if errors.Is(err, supervisor.ErrFeedNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("feed %s not found", input.ID))
		}
		return nil, huma.Error500InternalServerError("failed to start feed", err)
	}

	return &StartFeedOutput{Body: h.liveStatus(feed)}, nil
}

// StopFeedInput is the input for stopping a feed.
type StopFeedInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// StopFeedOutput is the output for stopping a feed.
type StopFeedOutput struct {
	Body FeedStatusResponse
}

// Stop stops a feed's transcoder.
func (h *FeedHandler) Stop(ctx context.Context, input *StopFeedInput) (*StopFeedOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if err := h.sup.StopFeed(ctx, feed.ID); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			return nil, huma.Error400BadRequest("feed not running")
		}
		return nil, huma.Error500InternalServerError("failed to stop feed", err)
	}

	// Reflect the stop in the returned catalog status.
	feed.Status = models.FeedStatusStopped
	return &StopFeedOutput{Body: h.liveStatus(feed)}, nil
}

// FeedStatusInput is the input for getting feed status.
type FeedStatusInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// FeedStatusOutput is the output for getting feed status.
type FeedStatusOutput struct {
	Body FeedStatusResponse
}

// Status returns the live supervisor view of a feed.
func (h *FeedHandler) Status(ctx context.Context, input *FeedStatusInput) (*FeedStatusOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	return &FeedStatusOutput{Body: h.liveStatus(feed)}, nil
}

// FeedTokenInput is the input for minting a playback token.
type FeedTokenInput struct {
	ID   string `path:"id" doc:"Feed ID"`
	Body struct {
		ExpiresHours int  `json:"expires_hours,omitempty" default:"0" minimum:"0" maximum:"168" doc:"Token lifetime in hours; 0 uses the server default"`
		BindIP       bool `json:"bind_ip,omitempty" doc:"Bind the token to the requesting IP address"`
	}
}

// FeedTokenOutput is the output for minting a playback token.
type FeedTokenOutput struct {
	Body TokenResponse
}

// Token mints a playback token for the feed's HLS playlist.
func (h *FeedHandler) Token(ctx context.Context, input *FeedTokenInput) (*FeedTokenOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	expiry := h.cfg.Tokens.TokenExpiry()
	if input.Body.ExpiresHours > 0 {
		expiry = time.Duration(input.Body.ExpiresHours) * time.Hour
	}

	clientIP := ""
	if input.Body.BindIP {
		clientIP = middleware.GetClientIP(ctx)
	}

	token, err := h.minter.Mint(feed.ID, expiry, clientIP)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to mint token", err)
	}

	return &FeedTokenOutput{
		Body: TokenResponse{
			Token:        token,
			ExpiresHours: int(expiry / time.Hour),
			HLSURL:       fmt.Sprintf("/hls/%s/stream.m3u8?token=%s", feed.ID, token),
		},
	}, nil
}

// HeartbeatInput is the input for a viewer heartbeat.
type HeartbeatInput struct {
	ID            string `path:"id" doc:"Feed ID"`
	Token         string `query:"token" required:"false" doc:"Playback token (alternative to Authorization header)"`
	Authorization string `header:"Authorization" required:"false" doc:"Bearer playback token"`
}

// HeartbeatOutput is the output for a viewer heartbeat.
type HeartbeatOutput struct {
	Body struct {
		Status   string `json:"status"`
		Running  bool   `json:"running"`
		ViewerID string `json:"viewer_id"`
	}
}

// verifyPlaybackToken extracts and verifies the playback token carried by a
// heartbeat or disconnect request, returning the viewer ID.
func (h *FeedHandler) verifyPlaybackToken(ctx context.Context, feedID, queryToken, authHeader string) (string, error) {
	token := queryToken
	if token == "" {
		if after, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			token = after
		}
	}
	if token == "" {
		return "", huma.Error401Unauthorized("playback token required")
	}

	claims, err := h.minter.Verify(token, feedID, middleware.GetClientIP(ctx))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrFeedMismatch), errors.Is(err, auth.ErrIPMismatch):
			return "", huma.Error403Forbidden(err.Error())
		default:
			return "", huma.Error401Unauthorized(err.Error())
		}
	}
	return claims.ViewerID(), nil
}

// Heartbeat registers a viewer heartbeat, restarting stopped on-demand feeds.
func (h *FeedHandler) Heartbeat(ctx context.Context, input *HeartbeatInput) (*HeartbeatOutput, error) {
	viewerID, err := h.verifyPlaybackToken(ctx, input.ID, input.Token, input.Authorization)
	if err != nil {
		return nil, err
	}
	h.logger.Log(ctx, observability.LevelTrace, "heartbeat received",
		slog.String("feed_id", input.ID),
		slog.String("viewer_id", viewerID),
	)

	if _, err := h.getFeed(ctx, input.ID); err != nil {
		return nil, err
	}

	running, err := h.sup.ViewerHeartbeat(ctx, input.ID, viewerID)
	if err != nil {
		h.logger.Warn("heartbeat restart failed",
			slog.String("feed_id", input.ID),
			slog.Any("error", err),
		)
	}

	resp := &HeartbeatOutput{}
	resp.Body.Status = "ok"
	resp.Body.Running = running
	resp.Body.ViewerID = viewerID
	return resp, nil
}

// DisconnectInput is the input for a viewer disconnect.
type DisconnectInput struct {
	ID            string `path:"id" doc:"Feed ID"`
	Token         string `query:"token" required:"false" doc:"Playback token (alternative to Authorization header)"`
	Authorization string `header:"Authorization" required:"false" doc:"Bearer playback token"`
}

// DisconnectOutput is the output for a viewer disconnect.
type DisconnectOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Disconnect detaches a viewer from a feed.
func (h *FeedHandler) Disconnect(ctx context.Context, input *DisconnectInput) (*DisconnectOutput, error) {
	viewerID, err := h.verifyPlaybackToken(ctx, input.ID, input.Token, input.Authorization)
	if err != nil {
		return nil, err
	}

	if err := h.sup.ViewerDisconnect(ctx, input.ID, viewerID); err != nil {
		return nil, huma.Error500InternalServerError("failed to disconnect viewer", err)
	}

	resp := &DisconnectOutput{}
	resp.Body.Status = "ok"
	return resp, nil
}

// SnapshotInput is the input for capturing a snapshot.
type SnapshotInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

// SnapshotOutput is the output for capturing a snapshot.
type SnapshotOutput struct {
	Body struct {
		Status    string `json:"status"`
		FeedID    string `json:"feed_id"`
		Thumbnail string `json:"thumbnail"`
	}
}

// Snapshot captures a fresh thumbnail for the feed.
func (h *FeedHandler) Snapshot(ctx context.Context, input *SnapshotInput) (*SnapshotOutput, error) {
	feed, err := h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if err := h.sup.CaptureThumbnail(ctx, feed); err != nil {
		return nil, huma.Error500InternalServerError("failed to capture snapshot", err)
	}

	// Re-read the row for the stored data URL.
	feed, err = h.getFeed(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	resp := &SnapshotOutput{}
	resp.Body.Status = "ok"
	resp.Body.FeedID = feed.ID
	resp.Body.Thumbnail = feed.ThumbnailURL
	return resp, nil
}

// BatchInput is the input for batch feed operations.
type BatchInput struct {
	Body BatchRequest
}

// BatchOutput is the output for batch feed operations.
type BatchOutput struct {
	Body BatchResponse
}

// batchApply runs op for each feed ID and collects per-feed outcomes.
func (h *FeedHandler) batchApply(ctx context.Context, ids []string, op func(ctx context.Context, feed *models.Feed) error) ([]string, []BatchFailure) {
	var success []string
	var failed []BatchFailure

	for _, id := range ids {
		feed, err := h.feeds.GetByID(ctx, id)
		if err != nil {
			failed = append(failed, BatchFailure{ID: id, Error: err.Error()})
			continue
		}
		if feed == nil {
			failed = append(failed, BatchFailure{ID: id, Error: "feed not found"})
			continue
		}
		if err := op(ctx, feed); err != nil {
			failed = append(failed, BatchFailure{ID: id, Error: err.Error()})
			continue
		}
		success = append(success, id)
	}

	return success, failed
}

func batchResponse(verb string, success []string, failed []BatchFailure) BatchResponse {
	if success == nil {
		success = []string{}
	}
	if failed == nil {
		failed = []BatchFailure{}
	}
	return BatchResponse{
		Success: success,
		Failed:  failed,
		Message: fmt.Sprintf("%s %d feeds, %d failed", verb, len(success), len(failed)),
	}
}

// BatchStart starts multiple feeds.
func (h *FeedHandler) BatchStart(ctx context.Context, input *BatchInput) (*BatchOutput, error) {
	success, failed := h.batchApply(ctx, input.Body.FeedIDs, func(ctx context.Context, feed *models.Feed) error {
		if h.sup.IsRunning(feed.ID) {
			return errors.New("already running")
		}
		return h.sup.StartFeed(ctx, feed.ID, "")
	})

	return &BatchOutput{Body: batchResponse("started", success, failed)}, nil
}

// BatchStop stops multiple feeds.
func (h *FeedHandler) BatchStop(ctx context.Context, input *BatchInput) (*BatchOutput, error) {
	success, failed := h.batchApply(ctx, input.Body.FeedIDs, func(ctx context.Context, feed *models.Feed) error {
		if err := h.sup.StopFeed(ctx, feed.ID); err != nil {
			if errors.Is(err, supervisor.ErrNotRunning) {
				return errors.New("not running")
			}
			return err
		}
		return nil
	})

	return &BatchOutput{Body: batchResponse("stopped", success, failed)}, nil
}

// BatchRestart restarts multiple feeds.
func (h *FeedHandler) BatchRestart(ctx context.Context, input *BatchInput) (*BatchOutput, error) {
	success, failed := h.batchApply(ctx, input.Body.FeedIDs, func(ctx context.Context, feed *models.Feed) error {
		if err := h.sup.StopFeed(ctx, feed.ID); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			return err
		}
		return h.sup.StartFeed(ctx, feed.ID, "")
	})

	return &BatchOutput{Body: batchResponse("restarted", success, failed)}, nil
}

// BatchDelete stops and deletes multiple feeds.
func (h *FeedHandler) BatchDelete(ctx context.Context, input *BatchInput) (*BatchOutput, error) {
	success, failed := h.batchApply(ctx, input.Body.FeedIDs, func(ctx context.Context, feed *models.Feed) error {
		if err := h.sup.StopFeed(ctx, feed.ID); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			return err
		}
		if err := h.feeds.Delete(ctx, feed.ID); err != nil {
			return err
		}
		if err := h.root.RemoveFeedDir(feed.ID); err != nil {
			h.logger.Warn("failed to remove segment directory",
				slog.String("feed_id", feed.ID),
				slog.Any("error", err),
			)
		}
		return nil
	})

	return &BatchOutput{Body: batchResponse("deleted", success, failed)}, nil
}
