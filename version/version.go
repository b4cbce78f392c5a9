package version

// Version is the keymaster release version, overridable at build time with
// -ldflags "-X github.com/stephnangue/keymaster/version.Version=...".
var Version = "0.1.0-dev"
