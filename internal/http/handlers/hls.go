package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/nofearsk/rtspserver/internal/auth"
	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/http/middleware"
	"github.com/nofearsk/rtspserver/internal/observability"
	"github.com/nofearsk/rtspserver/internal/repository"
	"github.com/nofearsk/rtspserver/internal/storage"
	"github.com/nofearsk/rtspserver/internal/supervisor"
)

// playlistPollInterval is how often the playlist handler re-checks the
// filesystem while waiting for a lazily started transcoder to produce its
// first segment.
const playlistPollInterval = 500 * time.Millisecond

// HLSHandler serves playlists and segments from the segment directory and
// lazily starts on-demand feeds when their playlist is requested.
type HLSHandler struct {
	feeds  repository.FeedRepository
	sup    *supervisor.Supervisor
	minter *auth.Minter
	cfg    *config.Config
	root   *storage.Root
	logger *slog.Logger
}

// NewHLSHandler creates a new HLS delivery handler.
func NewHLSHandler(feeds repository.FeedRepository, sup *supervisor.Supervisor, minter *auth.Minter, cfg *config.Config) *HLSHandler {
	return &HLSHandler{
		feeds:  feeds,
		sup:    sup,
		minter: minter,
		cfg:    cfg,
		root:   storage.NewRoot(cfg.Streams.Dir),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *HLSHandler) WithLogger(logger *slog.Logger) *HLSHandler {
	h.logger = logger
	return h
}

// Register registers documentation-only operations for the HLS routes.
// The actual request handling is done by raw Chi handlers (RegisterChiRoutes)
// because serving files with range support, HEAD handling and pre-body
// status codes does not fit Huma's response model.
func (h *HLSHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "serveHLS",
		Method:      "GET",
		Path:        "/hls/{feedID}/{file}",
		Summary:     "Serve HLS playlist or segment",
		Description: `Serves HLS media for a feed.

Playlists (.m3u8) require a playback token, passed as a ?token= query
parameter or an Authorization bearer header. Requesting the playlist of a
stopped on-demand feed starts its transcoder and the request blocks until
the first segment appears or the startup window expires.

Segments (.ts) are served without a token: players fetch them without query
parameters, and segment names are only discoverable through the
authenticated playlist.`,
		Tags: []string{"HLS"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Media content",
				Headers: map[string]*huma.Param{
					"Content-Type":                {Description: "application/vnd.apple.mpegurl or video/mp2t"},
					"Cache-Control":               {Description: "no-cache, no-store, must-revalidate"},
					"Access-Control-Allow-Origin": {Description: "CORS header (always *)"},
				},
			},
			"400": {Description: "Unsupported file type"},
			"401": {Description: "Missing, malformed or expired token"},
			"403": {Description: "Token bound to a different feed or IP"},
			"404": {Description: "Unknown feed, or stream not ready"},
		},
		SkipValidateBody: true,
	}, h.serveDocsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "serveHLSOptions",
		Method:      "OPTIONS",
		Path:        "/hls/{feedID}/{file}",
		Summary:     "CORS preflight for HLS routes",
		Description: "Handles CORS preflight requests for browser-based players.",
		Tags:        []string{"HLS"},
		Responses: map[string]*huma.Response{
			"204": {
				Description: "CORS preflight response",
				Headers: map[string]*huma.Param{
					"Access-Control-Allow-Origin":  {Description: "Allowed origins (*)"},
					"Access-Control-Allow-Methods": {Description: "Allowed methods (GET, HEAD, OPTIONS)"},
					"Access-Control-Allow-Headers": {Description: "Allowed headers"},
				},
			},
		},
	}, h.optionsDocsHandler)
}

// serveDocsHandler is a no-op handler for the documentation-only registration.
// The actual request handling is done by raw Chi handlers registered via RegisterChiRoutes.
func (h *HLSHandler) serveDocsHandler(ctx context.Context, input *ServeHLSInput) (*huma.StreamResponse, error) {
	// This handler should never be called because Chi handles the route first.
	// It exists only for OpenAPI documentation generation.
	return nil, huma.Error500InternalServerError("this endpoint is handled by raw Chi handlers", nil)
}

// ServeHLSInput documents the HLS route parameters.
type ServeHLSInput struct {
	FeedID string `path:"feedID" doc:"Feed ID"`
	File   string `path:"file" doc:"Playlist (stream.m3u8) or segment (segment_NNN.ts) name"`
	Token  string `query:"token" required:"false" doc:"Playback token, required for playlists"`
}

// ServeHLSOptionsInput documents the CORS preflight parameters.
type ServeHLSOptionsInput struct {
	FeedID string `path:"feedID" doc:"Feed ID"`
	File   string `path:"file" doc:"Requested file name"`
}

// ServeHLSOptionsOutput is the documented preflight response.
type ServeHLSOptionsOutput struct {
	Body struct{} `json:"-"`
}

// optionsDocsHandler is a no-op handler for CORS preflight documentation.
func (h *HLSHandler) optionsDocsHandler(ctx context.Context, input *ServeHLSOptionsInput) (*ServeHLSOptionsOutput, error) {
	// This handler should never be called because Chi handles the route first.
	return &ServeHLSOptionsOutput{}, nil
}

// RegisterChiRoutes registers the HLS delivery routes as raw Chi handlers.
// Must be called after Register so these replace the documentation stubs on
// the router.
func (h *HLSHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/hls/{feedID}/{file}", h.handleServe)
	router.Head("/hls/{feedID}/{file}", h.handleServe)
	router.Options("/hls/{feedID}/{file}", h.handleOptions)
}

// handleOptions handles CORS preflight requests for players in browsers.
func (h *HLSHandler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, Range")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
	w.WriteHeader(http.StatusNoContent)
}

// handleServe is the raw HTTP handler for playlist and segment requests.
func (h *HLSHandler) handleServe(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	file := chi.URLParam(r, "file")

	// URL params can carry encoded separators; never let them form a path
	// outside the feed's directory.
	path, err := h.root.Resolve(feedID, file)
	if err != nil {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	isPlaylist := strings.HasSuffix(file, ".m3u8")
	isSegment := strings.HasSuffix(file, ".ts")

	var viewerID string
	switch {
	case isPlaylist:
		// Playlists gate access to the whole stream; segments inherit their
		// protection from the playlist's unguessable names.
		token := auth.TokenFromRequest(r)
		if token == "" {
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}
		claims, err := h.minter.Verify(token, feedID, middleware.GetClientIP(r.Context()))
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrFeedMismatch) || errors.Is(err, auth.ErrIPMismatch) {
				status = http.StatusForbidden
			}
			http.Error(w, err.Error(), status)
			return
		}
		viewerID = claims.ViewerID()
	case isSegment:
	default:
		http.Error(w, "invalid file type", http.StatusBadRequest)
		return
	}

	feed, err := h.feeds.GetByID(r.Context(), feedID)
	if err != nil {
		h.logger.Error("failed to load feed for HLS request",
			slog.String("feed_id", feedID),
			slog.Any("error", err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if feed == nil {
		http.Error(w, "feed not found", http.StatusNotFound)
		return
	}

	if _, err := os.Stat(path); err != nil {
		if file == "stream.m3u8" {
			h.startAndWait(r.Context(), feedID, viewerID, path)
		}

		if _, err := os.Stat(path); err != nil {
			http.Error(w, "stream not ready, please wait a moment and retry", http.StatusNotFound)
			return
		}
	}

	if isPlaylist {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	h.logger.Log(r.Context(), observability.LevelTrace, "serving hls file",
		slog.String("feed_id", feedID),
		slog.String("file", file),
	)
	http.ServeFile(w, r, path)
}

// startAndWait starts the feed if it is not running and polls until the
// requested playlist exists, the startup window expires, or the client
// goes away.
func (h *HLSHandler) startAndWait(ctx context.Context, feedID, viewerID, path string) {
	if err := h.sup.StartFeed(ctx, feedID, viewerID); err != nil {
		h.logger.Warn("lazy start for playlist request failed",
			slog.String("feed_id", feedID),
			slog.Any("error", err),
		)
		return
	}

	deadline := time.Now().Add(h.cfg.Streams.StartupTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(playlistPollInterval):
		}
		if _, err := os.Stat(path); err == nil {
			return
		}
	}
}
