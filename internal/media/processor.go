// Package media provides the video processing used by the generation
// pipeline: downloading provider output, extracting the last frame of a
// source video and transcoding finished videos.
package media

import "context"

// Processor defines the interface for video processing operations.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Processor interface {
	// ExtractLastFrame writes the last frame of the video at videoPath to dst as a PNG image.
	ExtractLastFrame(ctx context.Context, videoPath, dst string) error

	// Transcode re-encodes the video at src to a web-friendly H.264 MP4 at dst.
	Transcode(ctx context.Context, src, dst string) error
}
