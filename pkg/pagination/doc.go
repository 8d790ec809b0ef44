// Package pagination merges pages from a paged API into a stable,
// index-addressable item collection.
//
// A Controller owns one collection and one PageState. PageState is a small
// immutable FSM:
//
//	Empty -> Locked -> Next | End
//	Next  -> Locked -> Next | End      (forward fetch; failure unlocks to Next)
//	Next | End -> Reloading(page) -> Next | End
//
// Every fetch runs through a retry.Retrier, so a page request that fails
// because connectivity was lost waits for reconnect instead of surfacing an
// error, and through an inflight.Counter that drives the loading signal.
//
// Example usage:
//
//	ctrl, err := pagination.NewController(fetch, mapper, pagination.DefaultConfig("orders"))
//	if err != nil {
//		return err
//	}
//	unsubscribe := ctrl.SubscribeItems(func(items []Order) { render(items) })
//	defer unsubscribe()
//	if err := ctrl.LoadNextPage(ctx); err != nil {
//		showError(err)
//	}
//
// Merge rules on success:
//   - a reload splices the refetched rows over the page window it targeted
//   - the first page replaces the whole collection
//   - any other page is appended
package pagination
