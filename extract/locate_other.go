//go:build !windows

package extract

// registryExtractorPath is a no-op on platforms with no registry; the
// search falls through to well-known paths and PATH.
func registryExtractorPath() (string, bool) {
	return "", false
}

func wellKnownExtractorPaths() []string {
	return []string{
		"/usr/local/bin/skylinecmd",
		"/opt/skyline/skylinecmd",
	}
}
