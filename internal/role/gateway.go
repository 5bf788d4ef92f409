package role

import (
	"context"
)

// Gateway is the boundary to whatever serves the generation roles. Invoke
// performs exactly one attempt; the retry policy lives with the caller, which
// threads any parse hint into the next request.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}
