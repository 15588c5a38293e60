package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "TELEMEET_ICE_SERVERS_JSON"

	envStunURLs       = "TELEMEET_STUN_URLS"
	envTurnURLs       = "TELEMEET_TURN_URLS"
	envTurnUsername   = "TELEMEET_TURN_USERNAME"
	envTurnCredential = "TELEMEET_TURN_CREDENTIAL"
)

// parseICEServersFromValues resolves the ICE server list handed to
// clients via /webrtc/ice. The JSON form wins when both are set; the
// STUN/TURN convenience vars cover the common one-provider deployment.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}

	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

type iceServerEntry struct {
	URLs       urlField `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// urlField accepts the two shapes browsers accept in RTCIceServer:
// a single URL string or an array of them.
type urlField []string

func (f *urlField) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*f = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

// ParseICEServersJSON parses the TELEMEET_ICE_SERVERS_JSON value: a
// JSON array of RTCIceServer-shaped objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			Username: strings.TrimSpace(entry.Username),
		}
		for _, url := range entry.URLs {
			if url = strings.TrimSpace(url); url != "" {
				server.URLs = append(server.URLs, url)
			}
		}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = entry.Credential
		}

		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds the ICE server list from the
// comma-separated STUN/TURN URL vars. TURN URLs demand long-term
// credentials, so both username and credential must accompany them.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitURLList(stunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitURLList(turnURLs); len(turn) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s and %s must both be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{
			URLs:       turn,
			Username:   turnUsername,
			Credential: turnCredential,
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitURLList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("ice server has no urls")
	}

	hasTurn := false
	for _, url := range server.URLs {
		scheme, _, found := strings.Cut(url, ":")
		if !found {
			return fmt.Errorf("malformed ice url %q", url)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			hasTurn = true
		default:
			return fmt.Errorf("ice url %q: scheme must be stun, stuns, turn or turns", url)
		}
	}

	if hasTurn {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls need a username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls need a credential")
		}
	}

	return nil
}
