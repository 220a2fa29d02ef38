package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/h264-webrtc-relay/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("application started", "version", "1.0.0")
	log.Warn("deprecated API used", "endpoint", "/v1/users")
	log.Error("failed to connect", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugRTP)
	cfg.EnableCategory(logger.DebugFramer)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// RTP debugging (only logged if DebugRTP enabled)
	log.DebugRTPPacket(12345, 90000, 96, 1200)

	// Framer debugging (only logged if DebugFramer enabled)
	log.DebugNALUnit(7, 28, false) // SPS

	// Generic category logging
	log.DebugRTP("packet sent", "seq", 12345)
	log.DebugFramer("keyframe detected", "size", 15234)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/h264-webrtc-relay/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("myapp", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/relay/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json") // Cleanup

	log.Info("peer session created",
		"session_id", "12345",
		"remote_addr", "192.168.1.1",
		"duration_ms", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"peer session created","session_id":"12345","remote_addr":"192.168.1.1","duration_ms":250}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugFanout)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Category methods automatically check if enabled
	// No manual check needed - zero cost if disabled
	log.DebugFanout("forwarding NAL to sessions", "nal_type", 1, "session_count", 3)
	log.DebugRTP("packet sent", "seq", 12345)
}

func computeExpensiveStats() string {
	return "expensive computation result"
}
