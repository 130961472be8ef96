package viewgate

import "errors"

var (
	// ErrInvalidView is returned by NavigateTo and ParseView for names outside the view set.
	ErrInvalidView = errors.New("invalid view")
	// ErrUnknownProfile is returned by Gate.Open for a profile that was never registered.
	ErrUnknownProfile = errors.New("unknown role profile")
	// ErrDuplicateProfile is returned by Build when two profiles share a name.
	ErrDuplicateProfile = errors.New("duplicate role profile")
	// ErrStoreRequired is returned by Gate.Open without a store context.
	ErrStoreRequired = errors.New("session store required")
	// ErrRouterClosed is returned by Start on a closed router.
	ErrRouterClosed = errors.New("router closed")
	// ErrRouterStarted is returned by a second Start.
	ErrRouterStarted = errors.New("router already started")
	// ErrGateClosed is returned by Gate.Open after Close.
	ErrGateClosed = errors.New("gate closed")
	// ErrBuilderUsed is returned by a second Build on the same Builder.
	ErrBuilderUsed = errors.New("builder already used")
)
