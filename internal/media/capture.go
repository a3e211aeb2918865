// Package media owns the local capture pipeline: camera and microphone via
// pion/mediadevices with VP8 and Opus encoders, plus on-demand screen
// capture for sharing. One Capture is shared across every peer link in a
// call; links bind and unbind its tracks, they never own them.
package media

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"

	"github.com/studyhall/meshcall/internal/call"

	// Register capture drivers.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

// Capture holds the shared camera and microphone tracks for one call.
type Capture struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector

	audio mediadevices.Track
	video mediadevices.Track

	screen mediadevices.Track
	closed bool
}

// Open acquires the camera and microphone. Device errors surface as
// call.ErrCaptureDenied so the caller can refuse the join without touching
// any link.
func Open() (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", call.ErrCaptureDenied, err)
	}

	c := &Capture{stream: stream, selector: selector}
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		c.audio = tracks[0]
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		c.video = tracks[0]
	}
	return c, nil
}

// AudioTrack returns the microphone track, or nil if none was acquired.
func (c *Capture) AudioTrack() pion.TrackLocal {
	if c.audio == nil {
		return nil
	}
	return c.audio
}

// VideoTrack returns the camera track, or nil if none was acquired.
func (c *Capture) VideoTrack() pion.TrackLocal {
	if c.video == nil {
		return nil
	}
	return c.video
}

// Engine returns a media engine carrying the capture pipeline's codecs, for
// constructing peer connections that can negotiate them.
func (c *Capture) Engine() *pion.MediaEngine {
	engine := &pion.MediaEngine{}
	c.selector.Populate(engine)
	return engine
}

// OpenScreen acquires a screen capture track for sharing. The track stays
// open until CloseScreen.
func (c *Capture) OpenScreen() (pion.TrackLocal, error) {
	if c.screen != nil {
		return c.screen, nil
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameRate = prop.Float(15)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", call.ErrCaptureDenied, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no screen track", call.ErrCaptureDenied)
	}
	c.screen = tracks[0]
	return c.screen, nil
}

// CloseScreen releases the screen capture track, if open.
func (c *Capture) CloseScreen() {
	if c.screen == nil {
		return
	}
	c.screen.Close()
	c.screen = nil
}

// Close releases every capture device. Implements call.LocalMedia.
// Idempotent: the coordinator closes capture on leave and the command's defer
// closes it again on exit.
func (c *Capture) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.CloseScreen()
	if c.stream != nil {
		for _, track := range c.stream.GetTracks() {
			track.Close()
		}
	}
	return nil
}
