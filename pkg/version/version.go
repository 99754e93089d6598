package version

import "fmt"

// Set at build time via -ldflags "-X github.com/boogy/m2m-auth/pkg/version.Version=..."
var (
	Version = "snapshot"
	Commit  = "unknown"
	Date    = "unknown"
	BinName = "m2m-auth"
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	BinName string `json:"binName"`
}

func Get() Info {
	return Info{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
		BinName: BinName,
	}
}

// UserAgent is sent on every outbound request to the identity provider
func UserAgent() string {
	return fmt.Sprintf("%s/%s", BinName, Version)
}
