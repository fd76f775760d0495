/*
Package session runs batches of browsing sessions, one allocated proxy per
session. It owns the loop the external driver would otherwise write: ask the
scheduler whether to continue, allocate, persist the allocation and hand it
to the driver.

Key Components:

  - Service: Runs a batch over a scheduler
  - Driver: Interface implemented by the browser automation side
  - Recorder: Persists allocations (database.DB implements it)
  - Settings: Worker count and allocation limit
  - Summary: Outcome of a batch

Batch Flow:

 1. Reset the scheduler so the batch starts with empty ledgers
 2. Each worker loops until the limit is reached or the pool is exhausted:
    - ShouldContinue
    - Next
    - Recorder.InsertAllocation
    - Driver.OpenSession
 3. Driver failures are counted and do not stop the batch; scheduler
    errors other than exhaustion do

Usage Example:

	svc := session.NewService(sched, driver, db, logger)

	summary, err := svc.Run(ctx, session.Settings{
		Workers: 4,
		Limit:   100,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("batch %s: %d sessions\n", summary.BatchID, summary.Allocations)

Concurrency:

Workers call the scheduler concurrently. The scheduler serializes the
quota decision, so concurrent workers never push an egress IP past its cap.
*/
package session
