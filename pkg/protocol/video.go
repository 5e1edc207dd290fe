package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/stun"
	"github.com/pion/webrtc/v3"
)

// BuildVideoInfo serializes the WebRTC settings handed to clients and VMs.
// Every ICE server URL must parse as a STUN or TURN URI.
func BuildVideoInfo(iceServers []webrtc.ICEServer, video, pc map[string]any) (*VideoInfo, error) {
	for _, s := range iceServers {
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("ice server without urls")
		}
		for _, u := range s.URLs {
			if _, err := stun.ParseURI(u); err != nil {
				return nil, fmt.Errorf("ice server url %q: %w", u, err)
			}
		}
	}
	if iceServers == nil {
		iceServers = []webrtc.ICEServer{}
	}

	ice, err := json.Marshal(struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}{iceServers})
	if err != nil {
		return nil, fmt.Errorf("encode ice servers: %w", err)
	}
	videoJSON, err := marshalObject(video)
	if err != nil {
		return nil, fmt.Errorf("encode video constraints: %w", err)
	}
	pcJSON, err := marshalObject(pc)
	if err != nil {
		return nil, fmt.Errorf("encode peer connection constraints: %w", err)
	}

	return &VideoInfo{
		ICEServers:       string(ice),
		PCConstraints:    pcJSON,
		VideoConstraints: videoJSON,
	}, nil
}

func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
