package rtc

import (
	"fmt"
	"log"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN and TURN servers used for connectivity.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

func (c ICEConfig) Servers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if urls := nonEmpty(c.STUNURLs); len(urls) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}
	if urls := nonEmpty(c.TURNURLs); len(urls) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       urls,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return servers
}

// PionFactory builds pion peer connections with the default codec set.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewPionFactory(ice ICEConfig) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &PionFactory{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		iceServers: ice.Servers(),
	}, nil
}

func (f *PionFactory) NewTransport(emit func(Event)) (PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		emit(CandidateGenerated{Candidate: c.ToJSON()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("rtc: remote track kind=%s codec=%s", track.Kind(), track.Codec().MimeType)
		emit(RemoteTrackReceived{Track: track})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		emit(ConnectivityChanged{State: state})
	})

	return &pionTransport{pc: pc}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *pionTransport) SetRemoteDescription(answer webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(answer)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
