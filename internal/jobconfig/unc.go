package jobconfig

import "strings"

// inferServerAddress extracts the host from a UNC destination
// (`\\host\share\...`). It returns "" when dest isn't UNC-shaped,
// leaving ServerAddress for the caller (or /SERVERADDR) to supply
// explicitly.
func inferServerAddress(dest string) string {
	dest = strings.ReplaceAll(dest, "/", `\`)
	if !strings.HasPrefix(dest, `\\`) {
		return ""
	}
	rest := strings.TrimPrefix(dest, `\\`)
	if rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '\\'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
