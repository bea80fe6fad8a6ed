package peer

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
)

// StaticSource produces sample-fed local tracks. The platform layer
// pushes encoded frames into them; it also serves as the capture stack
// in development mode.
type StaticSource struct{}

type staticCapture struct {
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	camera string
}

// Acquire builds an audio track and, for video calls, a camera track.
func (StaticSource) Acquire(_ context.Context, kind domain.CallKind) (Capture, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "capture")
	if err != nil {
		return nil, err
	}

	capture := &staticCapture{audio: audio, camera: "front"}
	if kind == domain.CallKindVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video-front", "capture")
		if err != nil {
			return nil, err
		}
		capture.video = video
	}
	return capture, nil
}

func (c *staticCapture) AudioTrack() webrtc.TrackLocal { return c.audio }
func (c *staticCapture) VideoTrack() webrtc.TrackLocal { return c.video }

func (c *staticCapture) SwitchCamera() (webrtc.TrackLocal, error) {
	if c.camera == "front" {
		c.camera = "back"
	} else {
		c.camera = "front"
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video-"+c.camera, "capture")
	if err != nil {
		return nil, err
	}
	c.video = video
	return video, nil
}

func (c *staticCapture) Close() error {
	c.audio = nil
	c.video = nil
	return nil
}
