package peer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/webroker/reelwatch/internal/config"
)

type apiOptions struct {
	net transport.Net
}

type APIOption func(*apiOptions)

// WithNet runs ICE over n instead of the host network stack. Tests pass a
// pion vnet.Net.
func WithNet(n transport.Net) APIOption {
	return func(o *apiOptions) { o.net = n }
}

// NewAPI builds the pion API every PeerConnection is created from, applying
// the network restrictions from cfg and routing pion logs to logger.
func NewAPI(cfg config.Config, logger *slog.Logger, opts ...APIOption) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger)
	if o.net != nil {
		se.SetNet(o.net)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// SettingEngine has no bind-address knob; restrict gathering instead.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if cfg.WebRTCSCTPMaxReceiveBufferBytes > 0 {
		se.SetSCTPMaxReceiveBufferSize(uint32(cfg.WebRTCSCTPMaxReceiveBufferBytes))
	}

	return nil
}
