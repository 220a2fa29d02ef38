package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel      string
	LogFormat     string
	LogFile       string
	DebugFramer   bool
	DebugParamSet bool
	DebugRTP      bool
	DebugSession  bool
	DebugFanout   bool
	DebugSDP      bool
	DebugAll      bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugFramer, "debug-framer", false,
		"Enable Annex-B framing debugging (start codes, carry buffer)")
	fs.BoolVar(&f.DebugParamSet, "debug-paramset", false,
		"Enable SPS/PPS cache debugging")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packetization debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugSession, "debug-session", false,
		"Enable per-peer-session debugging (ICE/connection state, priming)")
	fs.BoolVar(&f.DebugFanout, "debug-fanout", false,
		"Enable fan-out engine debugging")
	fs.BoolVar(&f.DebugSDP, "debug-sdp", false,
		"Enable SDP rewriting debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugFramer {
			cfg.EnableCategory(DebugFramer)
			cfg.Level = LevelDebug
		}
		if f.DebugParamSet {
			cfg.EnableCategory(DebugParamSet)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugSession {
			cfg.EnableCategory(DebugSession)
			cfg.Level = LevelDebug
		}
		if f.DebugFanout {
			cfg.EnableCategory(DebugFanout)
			cfg.Level = LevelDebug
		}
		if f.DebugSDP {
			cfg.EnableCategory(DebugSDP)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./relay

  Enable DEBUG level:
    ./relay --log-level debug
    ./relay -l debug

  Log to file:
    ./relay --log-file relay.log
    ./relay -o relay.log

  JSON format for structured logging:
    ./relay --log-format json -o relay.json

  Debug RTP packetization only:
    ./relay --debug-rtp

  Debug Annex-B framing only:
    ./relay --debug-framer

  Debug multiple categories:
    ./relay --debug-rtp --debug-session --debug-fanout

  Debug everything:
    ./relay --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./relay -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugFramer {
			debugCategories = append(debugCategories, "framer")
		}
		if f.DebugParamSet {
			debugCategories = append(debugCategories, "paramset")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugSession {
			debugCategories = append(debugCategories, "session")
		}
		if f.DebugFanout {
			debugCategories = append(debugCategories, "fanout")
		}
		if f.DebugSDP {
			debugCategories = append(debugCategories, "sdp")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
