package version

// Version is the current meshcall release. Overridden at build time via
// -ldflags "-X github.com/studyhall/meshcall/internal/version.Version=...".
var Version = "0.3.0"
