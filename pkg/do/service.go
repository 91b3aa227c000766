package do

import "context"

// Service is the boundary between a Download handle and the engine that owns
// the transfer. The agent implements it in-process and pkg/do/rpc implements
// it over HTTP; both must report failures as *Error or Errc so that callers
// see the same classification whichever transport is in use.
//
// Callback properties never cross this boundary; the SDK keeps them locally
// and feeds them from Subscribe.
type Service interface {
	Create(ctx context.Context, uri, localPath string) (string, error)
	SetProperty(ctx context.Context, id string, p Property, v PropertyValue) error
	GetProperty(ctx context.Context, id string, p Property) (PropertyValue, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Finalize(ctx context.Context, id string) error
	Abort(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (Status, error)

	// Subscribe streams status snapshots for id, beginning with the current
	// one. The channel is closed when ctx is done or the download is released.
	// Implementations may drop intermediate snapshots but never reorder them.
	Subscribe(ctx context.Context, id string) (<-chan Status, error)
}
