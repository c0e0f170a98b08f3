package models

import "errors"

// Sentinel errors for pipeline operations.
var (
	// Validation errors
	ErrMissingVideoID  = errors.New("videoId is required")
	ErrMissingJobID    = errors.New("jobId is required")
	ErrInvalidJobID    = errors.New("invalid job id")
	ErrUnsupportedFile = errors.New("unsupported video file")
	ErrPathOutsideRoot = errors.New("path is outside the video root")

	// Processing errors
	ErrJobParseFailed    = errors.New("failed to parse job")
	ErrProbeFailed       = errors.New("media probe failed")
	ErrNoVideoStream     = errors.New("no video stream found")
	ErrFFmpegFailed      = errors.New("ffmpeg execution failed")
	ErrAssetFailed       = errors.New("failed to generate derived asset")
	ErrLinkFailed        = errors.New("failed to link video")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrContextCanceled   = errors.New("context canceled")

	// Storage errors
	ErrVideoNotFound    = errors.New("video not found")
	ErrVideoExists      = errors.New("video already exists")
	ErrMetadataNotFound = errors.New("video metadata not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidStatus    = errors.New("invalid job status")

	// Coordination errors
	ErrLocked      = errors.New("a scan process is currently active")
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// Streaming errors
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
)
