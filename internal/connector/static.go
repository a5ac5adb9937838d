package connector

import "context"

// Static is a fixed in-memory SourceConnector, used by tests and by any
// deployment wiring that wants to feed the pipeline without a live
// transport.
type Static struct {
	Items      []Item
	State      string
	ResolvedID string
	HasID      bool
}

var _ SourceConnector = (*Static)(nil)
var _ ChannelResolver = (*Static)(nil)

func (s *Static) ListNew(ctx context.Context, state string, yield func(Item) bool) error {
	for _, item := range s.Items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !yield(item) {
			return nil
		}
	}
	return nil
}

func (s *Static) GetState() (string, error) { return s.State, nil }

func (s *Static) ResolveChannelID(ctx context.Context) (string, bool, error) {
	return s.ResolvedID, s.HasID, nil
}
