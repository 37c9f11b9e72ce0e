// Package config loads this server's runtime configuration from command
// line flags with environment variable overrides, following the same
// flag-then-env precedence the teacher's config packages use throughout
// this codebase — no config file format, no config library.
package config

import (
	"encoding/json"
	"flag"
	"net"
	"os"
	"strconv"
)

// Config holds everything cmd/frizzlephone needs to start the dispatcher.
type Config struct {
	BindAddr      string // UDP listen address
	SIPPort       int    // UDP listen port, and the port advertised in Contact headers
	AdvertiseAddr string // address advertised in SDP/Contact; auto-detected if empty
	RTPPortMin    int
	RTPPortMax    int
	AudioRoutes   string // path to a JSON file mapping extension -> raw mu-law audio file
	LogLevel      string
	Demo          bool // when true, serve a built-in silence route for any extension
}

// Load parses flags and then applies environment variable overrides: a
// set environment variable replaces the flag value, whether that value is
// the flag's default or was given on the command line.
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "UDP bind address")
	flag.IntVar(&cfg.SIPPort, "port", 5060, "UDP listen port")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SDP/Contact (auto-detected if not set)")
	flag.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "Minimum RTP port to probe")
	flag.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "Maximum RTP port to probe")
	flag.StringVar(&cfg.AudioRoutes, "audio-routes", "", "Path to JSON file mapping extension to audio file path")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.Demo, "demo", false, "Serve a built-in silence route for any dialed extension")

	flag.Parse()

	if v := os.Getenv("BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SIPPort = p
		}
	}
	if v := os.Getenv("ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMin = p
		}
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMax = p
		}
	}
	if v := os.Getenv("AUDIO_ROUTES"); v != "" {
		cfg.AudioRoutes = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// LoadAudioRoutes reads the extension -> file path mapping from the JSON
// file named by AudioRoutes. Returns an empty map if AudioRoutes is unset.
func (c *Config) LoadAudioRoutes() (map[string]string, error) {
	routes := map[string]string{}
	if c.AudioRoutes == "" {
		return routes, nil
	}
	data, err := os.ReadFile(c.AudioRoutes)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

// primaryInterfaceIP picks the first non-loopback, up IPv4 interface
// address, the same heuristic the reference implementation's
// get_server_ip() uses via a UDP connect-and-discard trick — here done by
// walking net.Interfaces() instead, which needs no network round trip.
func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
