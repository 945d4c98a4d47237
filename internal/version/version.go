package version

import (
	"encoding/json"
	"os"
)

// Version is stamped at build time with
// -ldflags "-X github.com/JustinTDCT/cinevault-enricher/internal/version.Version=1.2.3".
var Version = ""

type Info struct {
	Version string `json:"version"`
}

// Load returns the stamped version, falling back to version.json in the
// working directory and then to 0.0.0.
func Load() Info {
	if Version != "" {
		return Info{Version: Version}
	}
	return LoadFile("version.json")
}

func LoadFile(path string) Info {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{Version: "0.0.0"}
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.Version == "" {
		return Info{Version: "0.0.0"}
	}
	return info
}
