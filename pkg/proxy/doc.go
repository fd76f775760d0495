/*
Package proxy implements the strategies used to pick one proxy out of a pool or
a region, and builds the connection parameters handed to a driver.

Key Components:

  - Selector: Interface every strategy implements
  - Attempt: Callback that probes and records a candidate; an error skips it
  - NewSelector: Creates a selector from a configured strategy
  - BuildTransportURL: Formats scheme://[user:pass@]host:port for a proxy

Strategies:

 1. round-robin:
    - Advances the region cursor modulo the member count
    - Skips members that are over quota
    - Gives up after visiting every member once

 2. random:
    - Shuffles the members that are below quota
    - Tries them in shuffled order

 3. fastest:
    - Ranks members by measured latency, lowest first
    - Members without a measurement are not considered, so once any member
      was measured the unmeasured ones are never selected. A scheduler's
      ShouldContinue can then report true while Next is exhausted; run
      test-latency over the whole catalog before using this strategy
    - Falls back to random when no member was ever measured

 4. pinned:
    - Always selects the configured label
    - Returns ErrUnknownProxy or ErrPinnedUnavailable instead of skipping,
      because it is meant for manual selection by an operator

Usage Example:

	selector, err := proxy.NewSelector(config.StrategyRoundRobin, "", nil)
	if err != nil {
		log.Fatal(err)
	}

	pool := region.New("", 1, catalog)
	chosen, err := selector.Select(ctx, pool, ledger.CanUse, func(ctx context.Context, d models.ProxyDescriptor) error {
		_, err := ledger.Record(ctx, d, "")
		return err
	})
	if errors.Is(err, proxy.ErrNoCandidate) {
		// every member is over quota or failed
	}

Thread Safety:

Selectors can be shared between goroutines. The round-robin cursor lives in
the region and advances atomically; the random source is guarded by a mutex.
*/
package proxy
