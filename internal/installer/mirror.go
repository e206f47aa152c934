package installer

import (
	"strings"

	"github.com/graniteproject/installer/internal/config"
)

const (
	manifestURLMojang = "https://launchermeta.mojang.com/mc/game/version_manifest.json"
	manifestURLBMCL   = "https://bmclapi2.bangbang93.com/mc/game/version_manifest.json"

	assetsBaseMojang = "https://resources.download.minecraft.net"
	assetsBaseBMCL   = "https://bmclapi2.bangbang93.com/assets"
)

// hostRewrites is applied only for the BMCLAPI mirror; Mojang URLs are
// used verbatim (spec §4.2, §6 host rewrite table).
var hostRewrites = []struct {
	from string
	to   string
}{
	{"https://piston-meta.mojang.com", "https://bmclapi2.bangbang93.com"},
	{"https://libraries.minecraft.net", "https://bmclapi2.bangbang93.com/maven"},
}

// ManifestURL returns the version manifest endpoint for m.
func ManifestURL(m config.Mirror) string {
	if m == config.MirrorBMCLAPI {
		return manifestURLBMCL
	}
	return manifestURLMojang
}

// AssetsBaseURL returns the asset-object base URL for m.
func AssetsBaseURL(m config.Mirror) string {
	if m == config.MirrorBMCLAPI {
		return assetsBaseBMCL
	}
	return assetsBaseMojang
}

// RewriteURL applies the host-rewrite table for the selected mirror. It
// is idempotent: rewriting an already-rewritten URL for the same mirror
// returns the same string unchanged, since the rewrite targets
// (bmclapi2.bangbang93.com, .../maven) never themselves match a `from`
// pattern.
func RewriteURL(m config.Mirror, url string) string {
	if m != config.MirrorBMCLAPI {
		return url
	}
	for _, r := range hostRewrites {
		if strings.HasPrefix(url, r.from) {
			return r.to + strings.TrimPrefix(url, r.from)
		}
	}
	return url
}
