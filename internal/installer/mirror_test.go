package installer

import (
	"testing"

	"github.com/graniteproject/installer/internal/config"
)

func TestRewriteURLMojangIsVerbatim(t *testing.T) {
	url := "https://piston-meta.mojang.com/v1/packages/abc/1.20.json"
	if got := RewriteURL(config.MirrorMojang, url); got != url {
		t.Fatalf("Mojang mirror should not rewrite, got %q", got)
	}
}

func TestRewriteURLBMCLAPIRewritesMetaHost(t *testing.T) {
	url := "https://piston-meta.mojang.com/v1/packages/abc/1.20.json"
	want := "https://bmclapi2.bangbang93.com/v1/packages/abc/1.20.json"
	if got := RewriteURL(config.MirrorBMCLAPI, url); got != want {
		t.Fatalf("RewriteURL = %q, want %q", got, want)
	}
}

func TestRewriteURLBMCLAPIRewritesLibrariesHost(t *testing.T) {
	url := "https://libraries.minecraft.net/com/example/lib/1.0/lib-1.0.jar"
	want := "https://bmclapi2.bangbang93.com/maven/com/example/lib/1.0/lib-1.0.jar"
	if got := RewriteURL(config.MirrorBMCLAPI, url); got != want {
		t.Fatalf("RewriteURL = %q, want %q", got, want)
	}
}

func TestRewriteURLIdempotent(t *testing.T) {
	original := "https://piston-meta.mojang.com/v1/packages/abc/1.20.json"
	once := RewriteURL(config.MirrorBMCLAPI, original)
	twice := RewriteURL(config.MirrorBMCLAPI, once)
	if once != twice {
		t.Fatalf("rewrite is not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestRewriteURLUnrelatedHostUnchanged(t *testing.T) {
	url := "https://resources.download.minecraft.net/ab/abcdef"
	if got := RewriteURL(config.MirrorBMCLAPI, url); got != url {
		t.Fatalf("unrelated host should pass through unchanged, got %q", got)
	}
}
