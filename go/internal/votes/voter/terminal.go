// Package voter is a line-oriented terminal front end for one participant.
package voter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/session"
)

// Commander is the part of the session controller the terminal drives.
type Commander interface {
	StartSession(name string) error
	CastVote(vote int) error
	Close(ctx context.Context) error
	State() session.State
}

// Terminal renders the vote list and reads commands.
type Terminal struct {
	out io.Writer
	mu  sync.Mutex
}

// NewTerminal creates a terminal writing to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// OnVotesUpdated redraws the list of other participants.
func (t *Terminal) OnVotesUpdated(votes []models.ProjectedVote) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(votes) == 0 {
		fmt.Fprintln(t.out, "-- nobody else is here --")
		return
	}

	fmt.Fprintf(t.out, "-- %d other participant(s) --\n", len(votes))
	w := tabwriter.NewWriter(t.out, 0, 4, 2, ' ', 0)
	for _, v := range votes {
		fmt.Fprintf(w, "  %s\t%s\n", v.DisplayName, formatVote(v.Vote))
	}
	w.Flush()
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func formatVote(vote int) string {
	if vote == models.SentinelVote {
		return "not voted"
	}
	return strconv.Itoa(vote)
}

const help = `commands:
  join <name>   start a session under name
  vote <n>      cast or change your vote
  status        show the session state
  quit          leave and remove your vote
`

// ReadCommands executes commands read line by line from in until quit, EOF
// or ctx is done.
func (t *Terminal) ReadCommands(ctx context.Context, in io.Reader, ctrl Commander) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("failed to read commands")
		}
	}()

	t.printf("%s", help)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := t.execute(ctx, line, ctrl)
			if err != nil {
				t.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

var errUsage = errors.New("unknown command, type help")

func (t *Terminal) execute(ctx context.Context, line string, ctrl Commander) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return false, nil
	case "help":
		t.printf("%s", help)
		return false, nil
	case "join":
		return false, ctrl.StartSession(arg)
	case "vote":
		vote, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("vote must be an integer: %q", arg)
		}
		return false, ctrl.CastVote(vote)
	case "status":
		t.printf("session: %s\n", ctrl.State())
		return false, nil
	case "quit", "exit":
		return true, ctrl.Close(ctx)
	default:
		return false, errUsage
	}
}
