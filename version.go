package compose

// Version is the current version of service-compose
const Version = "1.0.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string `json:"version"`
	// ConfigFormat is the services file format supported
	ConfigFormat string `json:"config_format"`
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:      Version,
		ConfigFormat: "yaml/json",
	}
}
