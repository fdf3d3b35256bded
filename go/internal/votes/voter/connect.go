package voter

import (
	"context"

	"github.com/mcdev12/livevote/go/internal/votes/identity"
	"github.com/mcdev12/livevote/go/internal/votes/session"
	"github.com/mcdev12/livevote/go/internal/votes/storeclient"
)

// Connector returns a session.ConnectFunc that opens a store connection to
// room on the gateway at baseURL, authenticated with the session's token.
func Connector(baseURL, room string, cfg storeclient.Config) session.ConnectFunc {
	return func(ctx context.Context, auth identity.AuthState) (session.VoteStore, error) {
		client, err := storeclient.Dial(ctx, baseURL, room, auth.Token, cfg)
		if err != nil {
			return nil, err
		}
		return storeAdapter{Client: client}, nil
	}
}

type storeAdapter struct {
	*storeclient.Client
}

func (s storeAdapter) Subscribe(ctx context.Context) (session.TableStream, error) {
	sub, err := s.Client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
