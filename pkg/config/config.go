// Package config loads the relay's runtime configuration from an
// optional .env-style file layered over built-in defaults, with every
// field carrying a documented default rather than being a hard
// requirement.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Config holds the relay's full runtime configuration.
type Config struct {
	Signaling SignalingConfig
	UDP       UDPConfig
	RTP       RTPConfig
	ICE       ICEConfig
}

// SignalingConfig is the HTTP control-plane bind address.
type SignalingConfig struct {
	Host string
	Port int
}

// UDPConfig is the H.264 Annex-B ingest bind address.
type UDPConfig struct {
	Host string
	Port int
}

// RTPConfig carries the process-wide RTP packetization defaults applied
// to every peer session.
type RTPConfig struct {
	PayloadType uint8
	ClockRate   uint32
	FPS         uint32
	MTU         int
}

// ICEConfig carries STUN/TURN server configuration for every peer
// session's PeerConnection.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

// Servers returns the webrtc.ICEServer list built from ICEConfig.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	if len(c.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return servers
}

// Default returns the relay's built-in configuration defaults.
func Default() *Config {
	return &Config{
		Signaling: SignalingConfig{Host: "0.0.0.0", Port: 1988},
		UDP:       UDPConfig{Host: "0.0.0.0", Port: 8554},
		RTP: RTPConfig{
			PayloadType: 96,
			ClockRate:   90000,
			FPS:         30,
			MTU:         1200,
		},
		ICE: ICEConfig{STUNURLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// Load starts from Default and overlays any key=value pairs found in
// envPath. A missing file is not an error — it just means every field
// keeps its default.
func Load(envPath string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		if err := cfg.apply(key, decodedValue); err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "signaling_host":
		c.Signaling.Host = value
	case "signaling_port":
		return setInt(&c.Signaling.Port, value)
	case "udp_host":
		c.UDP.Host = value
	case "udp_port":
		return setInt(&c.UDP.Port, value)
	case "rtp_payload_type":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		c.RTP.PayloadType = uint8(v)
	case "rtp_clock_rate":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		c.RTP.ClockRate = uint32(v)
	case "rtp_fps":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		c.RTP.FPS = uint32(v)
	case "rtp_mtu":
		return setInt(&c.RTP.MTU, value)
	case "stun_urls":
		c.ICE.STUNURLs = splitCSV(value)
	case "turn_urls":
		c.ICE.TURNURLs = splitCSV(value)
	case "turn_username":
		c.ICE.TURNUsername = value
	case "turn_credential":
		c.ICE.TURNCredential = value
	}
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks invariants the RTP/transport layer relies on: MTU
// must fit at least a one-byte FU-A fragment, FPS must not be zero
// since it's a sequence-timestamp divisor.
func (c *Config) Validate() error {
	if c.Signaling.Port <= 0 || c.Signaling.Port > 65535 {
		return fmt.Errorf("invalid signaling port: %d", c.Signaling.Port)
	}
	if c.UDP.Port <= 0 || c.UDP.Port > 65535 {
		return fmt.Errorf("invalid udp port: %d", c.UDP.Port)
	}
	if c.RTP.FPS == 0 {
		return fmt.Errorf("rtp fps must be non-zero")
	}
	if c.RTP.MTU <= 14 {
		return fmt.Errorf("rtp mtu must exceed 14 (RTP header + FU-A header)")
	}
	return nil
}
