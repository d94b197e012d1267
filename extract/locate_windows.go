//go:build windows

package extract

import (
	"golang.org/x/sys/windows/registry"
)

// registryExtractorPath looks up the extractor's install path under the
// well-known software registry key vendors use for CLI tool locations.
func registryExtractorPath() (string, bool) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\MacCoss Lab\Skyline`, registry.QUERY_VALUE)
	if err != nil {
		return "", false
	}
	defer k.Close()

	path, _, err := k.GetStringValue("SkylineCmdPath")
	if err != nil || path == "" {
		return "", false
	}
	return path, true
}

func wellKnownExtractorPaths() []string {
	return []string{
		`C:\Program Files\Skyline\SkylineCmd.exe`,
		`C:\Program Files (x86)\Skyline\SkylineCmd.exe`,
	}
}
