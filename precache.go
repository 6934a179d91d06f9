package kamoffline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kam-wiki/kam-offline/cache"
	serializer "github.com/kam-wiki/kam-offline/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// ErrBadStatus is returned when a precache fetch does not return a 2xx status.
var ErrBadStatus = errors.New("kamoffline: response status is not ok")

// PrecacheFailure is a manifest entry that could not be stored.
type PrecacheFailure struct {
	URL string
	Err error
}

// PrecacheReport describes the outcome of populating the precache.
type PrecacheReport struct {
	// Bulk is set if the whole manifest was stored in one operation.
	Bulk   bool
	Stored []string
	Failed []PrecacheFailure
}

// OnInstall handles the install event.
// It populates the current precache and asks the host to activate the controller
// without waiting. Missing assets only reduce offline coverage;
// an error is returned if the precache itself cannot be opened.
func (c *Controller) OnInstall(ctx context.Context) error {
	c.log.Debug().Msg("Install event, caching static assets")
	report, err := c.Precache(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Install failed")
		return err
	}
	c.log.Debug().
		Bool("bulk", report.Bulk).
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Msg("Precache complete")

	// move to active as soon as possible
	if err := c.currentHost().SkipWaiting(ctx); err != nil {
		return fmt.Errorf("skip waiting: %w", err)
	}
	return nil
}

// Precache stores the manifest in the current precache.
// It first tries to store all entries at once; if any entry fails,
// it falls back to storing the entries one by one.
func (c *Controller) Precache(ctx context.Context) (PrecacheReport, error) {
	report := PrecacheReport{}
	precache, err := c.storage.Open(ctx, c.precacheName)
	if err != nil {
		return report, fmt.Errorf("open precache %s: %w", c.precacheName, err)
	}

	if err := c.addAll(ctx, precache, c.precacheURLs); err == nil {
		report.Bulk = true
		report.Stored = c.PrecacheURLs()
		return report, nil
	} else {
		c.log.Debug().Err(err).Msg("Bulk precache failed, caching individually")
	}

	for _, u := range c.precacheURLs {
		if err := c.add(ctx, precache, u); err != nil {
			c.log.Warn().Err(err).Str("url", u).Msg("Failed to cache")
			report.Failed = append(report.Failed, PrecacheFailure{URL: u, Err: err})
			continue
		}
		report.Stored = append(report.Stored, u)
	}
	return report, nil
}

// add fetches one URL and stores it.
func (c *Controller) add(ctx context.Context, target cache.Cache, u string) error {
	entry, err := c.fetchEntry(ctx, u)
	if err != nil {
		return err
	}
	return target.Put(ctx, entry)
}

// addAll fetches all URLs concurrently and stores them in one operation.
// Nothing is stored if any fetch fails.
func (c *Controller) addAll(ctx context.Context, target cache.Cache, urls []string) error {
	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			entry, err := c.fetchEntry(gctx, u)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return target.PutAll(ctx, entries)
}

// fetchEntry fetches the URL and snapshots the response.
// Network errors and non-2xx statuses are failures.
func (c *Controller) fetchEntry(ctx context.Context, u string) (cache.Entry, error) {
	req, err := c.keyer.GetRequestFromKey(u)
	if err != nil {
		return cache.Entry{}, err
	}
	req = req.WithContext(ctx)
	res, body, err := c.fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w: %d", u, ErrBadStatus, res.StatusCode)
	}
	return c.snapshot(u, serializer.Clone(res, body))
}
