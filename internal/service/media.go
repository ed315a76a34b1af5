package service

import (
	"context"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/models"

	"github.com/pion/webrtc/v4"
)

// LocalMedia is a set of outbound tracks plus the hook that returns the
// underlying devices when the call ends.
type LocalMedia struct {
	Tracks  []webrtc.TrackLocal
	Release func()
}

// MediaSource acquires local capture tracks for a call. The default
// implementation produces sample-fed tracks; the embedding application
// pumps encoded frames into them.
type MediaSource interface {
	Acquire(ctx context.Context, mediaType models.CallMediaType) (*LocalMedia, error)
}

// SampleMediaSource builds static sample tracks: Opus audio always, VP8
// video for video calls. The returned tracks implement
// webrtc.TrackLocalStaticSample, so callers feed them with WriteSample.
type SampleMediaSource struct{}

func (SampleMediaSource) Acquire(_ context.Context, mediaType models.CallMediaType) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "loopchat",
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMediaUnavailable, "failed to create audio track")
	}

	tracks := []webrtc.TrackLocal{audio}

	if mediaType == models.CallMediaVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "loopchat",
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeMediaUnavailable, "failed to create video track")
		}
		tracks = append(tracks, video)
	}

	return &LocalMedia{
		Tracks:  tracks,
		Release: func() {},
	}, nil
}
