package route

// Action is the next step of a strategy after the cache lookup
type Action int

const (
	// ActionServe returns the cached entry
	ActionServe Action = iota
	// ActionFetch fetches, writes back and returns; no cache fallback
	ActionFetch
	// ActionFetchWithFallback fetches and falls back to the cache on failure
	ActionFetchWithFallback
	// ActionServeAndRevalidate returns the cached entry and refreshes it in the background
	ActionServeAndRevalidate
	// ActionBypass goes to the network without touching the cache
	ActionBypass
	// ActionNotCached fails without touching the network
	ActionNotCached
)

func (a Action) String() string {
	switch a {
	case ActionServe:
		return "serve"
	case ActionFetch:
		return "fetch"
	case ActionFetchWithFallback:
		return "fetch-with-fallback"
	case ActionServeAndRevalidate:
		return "serve-and-revalidate"
	case ActionBypass:
		return "bypass"
	case ActionNotCached:
		return "not-cached"
	}
	return "unknown"
}

// LooksUpFirst is true for strategies that read the cache before any network call
func LooksUpFirst(s Strategy) bool {
	switch s {
	case CacheFirst, StaleWhileRevalidate, CacheOnly:
		return true
	}
	return false
}

// Decide maps a strategy and the cache lookup outcome to the next action.
// fresh is only meaningful when cached is true.
func Decide(s Strategy, cached, fresh bool) Action {
	switch s {
	case CacheFirst:
		if cached && fresh {
			return ActionServe
		}
		return ActionFetch
	case NetworkFirst:
		return ActionFetchWithFallback
	case StaleWhileRevalidate:
		if cached {
			return ActionServeAndRevalidate
		}
		return ActionFetchWithFallback
	case CacheOnly:
		if cached && fresh {
			return ActionServe
		}
		return ActionNotCached
	}
	return ActionBypass
}
