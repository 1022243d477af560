package models

import "errors"

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrNameTooLong indicates a name exceeds the 100 character limit.
	ErrNameTooLong = errors.New("name must be at most 100 characters")

	// ErrSourceURLRequired indicates the source URL is missing or too short.
	ErrSourceURLRequired = errors.New("source_url must be at least 10 characters")

	// ErrInvalidSourceURL indicates the source URL is not an RTSP endpoint.
	ErrInvalidSourceURL = errors.New("source_url must use the rtsp:// or rtsps:// scheme")

	// ErrInvalidMode indicates an unknown feed mode.
	ErrInvalidMode = errors.New("mode must be one of: always_on, on_demand, smart")

	// ErrInvalidLatencyMode indicates an unknown latency mode.
	ErrInvalidLatencyMode = errors.New("latency_mode must be one of: low, stable")

	// ErrKeepAliveRange indicates keep_alive_seconds is outside 10-3600.
	ErrKeepAliveRange = errors.New("keep_alive_seconds must be between 10 and 3600")
)
