package scraper

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dari_scrooper/identity"
)

// emptyPageLimit is how many consecutive pages without a new URL end pagination.
// Sites often repeat their last page, so one repeat is tolerated.
const emptyPageLimit = 2

// PageLinks returns the listing links found on one search-results page.
type PageLinks func(ctx context.Context, page int) ([]string, error)

// CollectPages walks result pages 1..maxPages and returns the distinct canonical
// URLs in discovery order. It stops early on a page with no links at all, or
// after emptyPageLimit consecutive pages that add nothing new. A failure on the
// first page is returned; a later failure ends pagination with what was found.
func CollectPages(ctx context.Context, maxPages int, links PageLinks, log *logrus.Entry) ([]string, error) {
	if maxPages <= 0 {
		maxPages = 1
	}

	seen := make(map[string]struct{})
	var urls []string
	emptyStreak := 0

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return urls, err
		}

		found, err := links(ctx, page)
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("page 1: %w", err)
			}
			log.Warnf("page %d failed, stopping pagination: %v", page, err)
			break
		}
		if len(found) == 0 {
			log.Debugf("page %d has no links, stopping", page)
			break
		}

		added := 0
		for _, u := range found {
			u = identity.CanonicalURL(u)
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
			added++
		}

		if added == 0 {
			emptyStreak++
			if emptyStreak >= emptyPageLimit {
				log.Debugf("%d pages without new links, stopping at page %d", emptyStreak, page)
				break
			}
			continue
		}
		emptyStreak = 0
	}

	return urls, nil
}
