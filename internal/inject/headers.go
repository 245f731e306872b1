package inject

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/FocuswithJustin/modhost/core/configdoc"
)

// DomainPlaceholder is replaced by the surface authority in CSP templates.
const DomainPlaceholder = "{domain}"

// DefaultCacheMaxAge is one day, in seconds.
const DefaultCacheMaxAge = 86400

// DefaultCacheExtensions lists static types that are safe to cache.
var DefaultCacheExtensions = []string{
	"css", "js", "mjs", "png", "jpg", "jpeg", "gif", "svg", "webp", "ico", "woff", "woff2", "ttf",
}

// CSPConfig holds Content-Security-Policy directives.
type CSPConfig struct {
	DefaultSrc     []string
	ScriptSrc      []string
	StyleSrc       []string
	ImgSrc         []string
	FontSrc        []string
	ConnectSrc     []string
	FrameAncestors []string
	BaseURI        []string
	FormAction     []string
	// UpgradeInsecureRequests forces HTTPS
	UpgradeInsecureRequests bool
}

// ModuleCSPConfig is the policy applied to module content when neither the
// host nor the module configures one. Module pages need inline scripts for
// the bridge bootstrap.
func ModuleCSPConfig() CSPConfig {
	return CSPConfig{
		DefaultSrc:     []string{"'self'", "https://" + DomainPlaceholder},
		ScriptSrc:      []string{"'self'", "'unsafe-inline'", "https://" + DomainPlaceholder},
		StyleSrc:       []string{"'self'", "'unsafe-inline'", "https://" + DomainPlaceholder},
		ImgSrc:         []string{"'self'", "data:", "https://" + DomainPlaceholder},
		FontSrc:        []string{"'self'", "data:"},
		ConnectSrc:     []string{"'self'", "https://" + DomainPlaceholder},
		FrameAncestors: []string{"'none'"},
		BaseURI:        []string{"'self'"},
		FormAction:     []string{"'self'"},
	}
}

// APICSPConfig returns a strict policy for host API endpoints.
func APICSPConfig() CSPConfig {
	return CSPConfig{
		DefaultSrc:     []string{"'none'"},
		FrameAncestors: []string{"'none'"},
		BaseURI:        []string{"'none'"},
		FormAction:     []string{"'none'"},
	}
}

// BuildCSPHeader builds a Content-Security-Policy header value from config.
func (cfg CSPConfig) BuildCSPHeader() string {
	var directives []string
	add := func(name string, sources []string) {
		if len(sources) > 0 {
			directives = append(directives, name+" "+strings.Join(sources, " "))
		}
	}
	add("default-src", cfg.DefaultSrc)
	add("script-src", cfg.ScriptSrc)
	add("style-src", cfg.StyleSrc)
	add("img-src", cfg.ImgSrc)
	add("font-src", cfg.FontSrc)
	add("connect-src", cfg.ConnectSrc)
	add("frame-ancestors", cfg.FrameAncestors)
	add("base-uri", cfg.BaseURI)
	add("form-action", cfg.FormAction)
	if cfg.UpgradeInsecureRequests {
		directives = append(directives, "upgrade-insecure-requests")
	}
	return strings.Join(directives, "; ")
}

// HeaderPolicy computes the headers attached to module resources.
type HeaderPolicy struct {
	Authority string
	// CSP is the host template; module config key contentSecurityPolicy
	// takes precedence. Empty disables the header.
	CSP             string
	Caching         bool
	CacheExtensions []string
	CacheMaxAge     int
}

// Headers returns the headers for a resource named name. info may be nil for
// generated content, in which case no ETag is produced.
func (p HeaderPolicy) Headers(name string, info fs.FileInfo, cfg configdoc.Document) map[string]string {
	h := map[string]string{}

	template := p.CSP
	if custom := cfg.String("contentSecurityPolicy"); custom != "" {
		template = custom
	}
	if template != "" {
		h["Content-Security-Policy"] = strings.ReplaceAll(template, DomainPlaceholder, p.Authority)
	}

	if info != nil && !info.IsDir() {
		h["ETag"] = ETag(info)
	}

	if p.Caching && p.cacheable(name) {
		maxAge := p.CacheMaxAge
		if maxAge <= 0 {
			maxAge = DefaultCacheMaxAge
		}
		h["Cache-Control"] = fmt.Sprintf("public, max-age=%d", maxAge)
	}
	return h
}

func (p HeaderPolicy) cacheable(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	exts := p.CacheExtensions
	if len(exts) == 0 {
		exts = DefaultCacheExtensions
	}
	for _, e := range exts {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// ETag derives a validator from size and modification time.
func ETag(info fs.FileInfo) string {
	return fmt.Sprintf(`"%d-%d"`, info.Size(), info.ModTime().UnixMilli())
}
