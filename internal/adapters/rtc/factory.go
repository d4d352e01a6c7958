package rtc

import (
	"strings"

	"github.com/dkeye/podcast/internal/core"
	"github.com/dkeye/podcast/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// Factory builds peer connections sharing one pion API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(iceServers []webrtc.ICEServer) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)

	s := webrtc.SettingEngine{}
	s.LoggerFactory = NewLoggerFactory()

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	)
	return &Factory{
		api:    api,
		config: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

func (f *Factory) New(peer domain.ParticipantID) (core.MediaConnection, error) {
	c, err := newConnection(peer, func() (*webrtc.PeerConnection, error) {
		return f.api.NewPeerConnection(f.config)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// ICEServers builds the server list. TURN urls get the credentials, STUN
// urls never do.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	var stun, turn []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		switch {
		case u == "":
		case strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:"):
			turn = append(turn, u)
		default:
			stun = append(stun, u)
		}
	}
	var out []webrtc.ICEServer
	if len(stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		out = append(out, webrtc.ICEServer{URLs: turn, Username: username, Credential: credential})
	}
	if len(out) == 0 {
		return DefaultICEServers()
	}
	return out
}
