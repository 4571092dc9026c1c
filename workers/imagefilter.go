package workers

import (
	"net/url"
	"path"
	"strings"

	"dari_scrooper/config"
)

// ImagePredicate reports whether an image URL is a listing photo worth archiving.
type ImagePredicate func(rawURL string) bool

// ImageFilter tells listing photos apart from logos, icons and other UI assets.
type ImageFilter struct {
	// Require lists substrings of which at least one must appear. Empty means any.
	Require           []string
	ExcludeKeywords   []string
	ExcludeExtensions []string
}

// DefaultImageFilter is used for sources without their own filter config.
var DefaultImageFilter = ImageFilter{
	ExcludeKeywords:   []string{"logo", "icon", "sprite", "avatar", "placeholder", "banner", "pixel"},
	ExcludeExtensions: []string{".svg", ".gif", ".ico"},
}

func FilterFromConfig(cfg config.ImageFilterConfig) ImageFilter {
	if len(cfg.Require) == 0 && len(cfg.ExcludeKeywords) == 0 && len(cfg.ExcludeExtensions) == 0 {
		return DefaultImageFilter
	}
	return ImageFilter{
		Require:           cfg.Require,
		ExcludeKeywords:   cfg.ExcludeKeywords,
		ExcludeExtensions: cfg.ExcludeExtensions,
	}
}

func (f ImageFilter) Allow(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}

	lower := strings.ToLower(u.Host + u.Path)
	ext := path.Ext(strings.ToLower(u.Path))
	for _, e := range f.ExcludeExtensions {
		if ext == strings.ToLower(e) {
			return false
		}
	}
	for _, kw := range f.ExcludeKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}

	if len(f.Require) == 0 {
		return true
	}
	for _, r := range f.Require {
		if strings.Contains(lower, strings.ToLower(r)) {
			return true
		}
	}
	return false
}

// Predicate returns f.Allow as an ImagePredicate.
func (f ImageFilter) Predicate() ImagePredicate {
	return f.Allow
}

// PredicatesFromSites builds one predicate per configured site.
func PredicatesFromSites(sites map[string]*config.SiteConfig) map[string]ImagePredicate {
	preds := make(map[string]ImagePredicate, len(sites))
	for id, site := range sites {
		preds[id] = FilterFromConfig(site.Images).Predicate()
	}
	return preds
}
