package observability

// Config holds OpenTelemetry metrics configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string

	// OTLP gRPC endpoint (for otlp exporter)
	Endpoint string

	ServiceName    string
	ServiceVersion string
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:       "none",
		Endpoint:       "localhost:4317",
		ServiceName:    "frontdesk",
		ServiceVersion: "dev",
	}
}

// ShouldEnable returns true if a real meter provider should be built.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "" && c.Exporter != "none"
}
