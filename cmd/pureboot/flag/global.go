package flag

import (
	"net/netip"

	"github.com/peterbourgon/ff/v4/ffval"

	ntip "github.com/pureboot/pureboot/pkg/flag/netip"
)

// GlobalConfig carries flags shared by every service.
type GlobalConfig struct {
	LogLevel        int
	LogEngine       string
	Backend         string
	BackendFilePath string
	OTELEndpoint    string
	OTELInsecure    bool
	PublicIP        netip.Addr
}

func RegisterGlobal(fs *Set, gc *GlobalConfig) {
	fs.Register(LogLevelConfig, ffval.NewValueDefault(&gc.LogLevel, gc.LogLevel))
	fs.Register(LogEngineConfig, ffval.NewEnum(&gc.LogEngine, "slog", "zap"))
	fs.Register(BackendConfig, ffval.NewEnum(&gc.Backend, "memory", "file"))
	fs.Register(BackendFilePath, ffval.NewValueDefault(&gc.BackendFilePath, gc.BackendFilePath))
	fs.Register(OTELEndpoint, ffval.NewValueDefault(&gc.OTELEndpoint, gc.OTELEndpoint))
	fs.Register(OTELInsecure, ffval.NewValueDefault(&gc.OTELInsecure, gc.OTELInsecure))
	fs.Register(PublicIP, &ntip.Addr{Addr: &gc.PublicIP})
}

var LogLevelConfig = Config{
	Name:  "log-level",
	Usage: "[global] log verbosity, 0 is the least verbose",
}

var LogEngineConfig = Config{
	Name:  "log-engine",
	Usage: "[global] logging implementation (slog, zap)",
}

var BackendConfig = Config{
	Name:  "backend",
	Usage: "[global] node and workflow store (memory, file)",
}

var BackendFilePath = Config{
	Name:  "backend-file-path",
	Usage: "[global] YAML seed file for the file backend",
}

var OTELEndpoint = Config{
	Name:  "otel-endpoint",
	Usage: "[global] OTLP gRPC collector endpoint, empty to disable tracing",
}

var OTELInsecure = Config{
	Name:  "otel-insecure",
	Usage: "[global] disable TLS on the OTLP exporter connection",
}

var PublicIP = Config{
	Name:  "public-ip",
	Usage: "[global] IP boot clients can reach this host on, auto-detected when unset",
}
