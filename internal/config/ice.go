package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	envICEServersJSON = "REELWATCH_ICE_SERVERS_JSON"
	envICEServersFile = "REELWATCH_ICE_SERVERS_FILE"

	envStunURLs       = "REELWATCH_STUN_URLS"
	envTurnURLs       = "REELWATCH_TURN_URLS"
	envTurnUsername   = "REELWATCH_TURN_USERNAME"
	envTurnCredential = "REELWATCH_TURN_CREDENTIAL"
)

// DefaultICEServers is used when no ICE source is configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
}

type iceSources struct {
	json           string
	file           string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
	// turnREST allows TURN URLs without static credentials; the server mints
	// them per request.
	turnREST bool
}

// parseICEServersFromValues resolves the ICE server list. Precedence is
// JSON, then the YAML file, then the STUN/TURN convenience values, then
// DefaultICEServers.
func parseICEServersFromValues(src iceSources) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(src.json); raw != "" {
		iceServers, err := ParseICEServersJSON(raw, src.turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}

	if path := strings.TrimSpace(src.file); path != "" {
		iceServers, err := LoadICEServersFile(path, src.turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersFile, err)
		}
		return iceServers, nil
	}

	iceServers, err := ParseICEServersFromConvenienceEnv(src.stunURLs, src.turnURLs, src.turnUsername, src.turnCredential, src.turnREST)
	if err != nil {
		return nil, err
	}
	if len(iceServers) == 0 {
		return cloneICEServers(DefaultICEServers), nil
	}
	return iceServers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls" yaml:"urls"`
	Username   string              `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string              `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s *stringOrStringSlice) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*s = []string{single}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

// iceServersFile is the YAML layout accepted by LoadICEServersFile:
//
//	iceServers:
//	  - urls: stun:stun.example.com:3478
//	  - urls: [turn:turn.example.com:3478]
//	    username: user
//	    credential: pass
type iceServersFile struct {
	ICEServers []iceServerJSON `yaml:"iceServers"`
}

// ParseICEServersJSON parses and validates REELWATCH_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}
	return convertICEServers(servers, turnREST)
}

// LoadICEServersFile reads a YAML ICE server list from path.
func LoadICEServersFile(path string, turnREST bool) ([]webrtc.ICEServer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseICEServersYAML(b, turnREST)
}

func ParseICEServersYAML(b []byte, turnREST bool) ([]webrtc.ICEServer, error) {
	var file iceServersFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, err
	}
	if len(file.ICEServers) == 0 {
		return nil, errors.New("iceServers must list at least one server")
	}
	return convertICEServers(file.ICEServers, turnREST)
}

func convertICEServers(servers []iceServerJSON, turnREST bool) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			urls = append(urls, url)
		}

		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := validateICEServer(pcServer, turnREST); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the convenience env vars.
//
// The URL lists are comma-separated.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !turnREST && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{
			URLs:     turnList,
			Username: turnUsername,
		}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, turnREST bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds && !turnREST {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}

func cloneICEServers(in []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(in))
	for i, s := range in {
		s.URLs = append([]string(nil), s.URLs...)
		out[i] = s
	}
	return out
}
