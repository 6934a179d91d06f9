package kamoffline

import (
	"context"
	"fmt"
	"sync"
)

// OnActivate handles the activate event.
// It deletes every cache of the namespace that does not belong to the current generation,
// then takes control of the open clients. Deletions are independent of each other:
// a failing one is logged and does not block the others or the activation.
// Running it again is safe, there is simply nothing left to delete.
func (c *Controller) OnActivate(ctx context.Context) error {
	c.log.Debug().Msg("Activate event, cleaning old caches")
	names, err := c.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if !c.owns(name) || c.isCurrent(name) {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			log := c.log.With().Str("cache", name).Logger()
			log.Debug().Msg("Deleting old cache")
			if _, err := c.storage.Delete(ctx, name); err != nil {
				log.Warn().Err(err).Msg("Could not delete old cache")
			}
		}(name)
	}
	wg.Wait()

	// take immediate control of all clients
	if err := c.currentHost().Claim(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	return nil
}
