package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
)

// watchBuffer bounds how many undelivered notifications a watcher may lag.
const watchBuffer = 16

// AuthState is one notification on the auth-state stream.
type AuthState struct {
	SignedIn      bool
	ParticipantID models.ParticipantID
	Token         string
}

// Client is the participant-side identity provider. It signs in against the
// gateway issuer and fans auth-state transitions out to watchers.
//
// Every Watch starts by delivering the state current at subscription time,
// which before sign-in is a signed-out notification. Consumers that only care
// about the real sign-in have to skip it.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	current  AuthState
	watchers map[chan AuthState]struct{}
}

// NewClient creates an identity client for the gateway at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		watchers:   make(map[chan AuthState]struct{}),
	}
}

// SignInAnonymously requests a new anonymous identity. On success watchers
// receive a signed-in notification; on failure the error is returned and no
// notification is sent.
func (c *Client) SignInAnonymously(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/anonymous", nil)
	if err != nil {
		return fmt.Errorf("build sign-in request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sign in rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return fmt.Errorf("decode sign-in response: %w", err)
	}
	if grant.ParticipantID == "" || grant.Token == "" {
		return fmt.Errorf("sign in rejected: empty grant")
	}

	c.transition(AuthState{SignedIn: true, ParticipantID: grant.ParticipantID, Token: grant.Token})
	return nil
}

// SignOut drops the current identity locally and notifies watchers.
func (c *Client) SignOut() {
	c.transition(AuthState{})
}

// Current returns the latest auth state.
func (c *Client) Current() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Watch subscribes to auth-state notifications until ctx is cancelled, at
// which point the channel is closed.
func (c *Client) Watch(ctx context.Context) <-chan AuthState {
	ch := make(chan AuthState, watchBuffer)

	c.mu.Lock()
	ch <- c.current
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, ch)
		close(ch)
		c.mu.Unlock()
	}()

	return ch
}

func (c *Client) transition(state AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = state
	for ch := range c.watchers {
		deliver(ch, state)
	}

	if state.SignedIn {
		log.Info().Str("participant_id", string(state.ParticipantID)).Msg("logged in")
	} else {
		log.Info().Msg("not logged in")
	}
}

// deliver queues state for a watcher without blocking. A watcher whose buffer
// is full keeps its oldest pending notification and the latest one; the
// notifications in between are superseded. Callers hold c.mu, so nothing else
// sends on ch while it is being compacted.
func deliver(ch chan AuthState, state AuthState) {
	select {
	case ch <- state:
		return
	default:
	}

	var head AuthState
	kept, dropped := false, 0
	for draining := true; draining; {
		select {
		case pending := <-ch:
			if !kept {
				head, kept = pending, true
			} else {
				dropped++
			}
		default:
			draining = false
		}
	}
	if kept {
		ch <- head
	}
	ch <- state

	log.Error().
		Bool("signed_in", state.SignedIn).
		Int("superseded", dropped).
		Msg("auth watcher is not draining, collapsed pending notifications")
}
