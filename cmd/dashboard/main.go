// Command dashboard runs the electrolysis telemetry service: it holds the
// backend connection, buffers live readings, evaluates alerts and serves the
// dashboard API.
package main

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	Execute()
}
