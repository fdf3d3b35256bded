package table

import (
	"context"
	"errors"
	"regexp"

	"github.com/mcdev12/livevote/go/internal/models"
)

var (
	ErrNameImmutable = errors.New("display name cannot change for a live record")
	ErrInvalidRoom   = errors.New("invalid room name")
	ErrClosed        = errors.New("vote table closed")
)

// DefaultRoom is the room used when a client does not name one.
const DefaultRoom = "votes"

var roomPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoom reports whether a room name can be used as a table namespace.
func ValidRoom(room string) bool {
	return roomPattern.MatchString(room)
}

// Change is emitted after every mutation with the full table of the room.
type Change struct {
	Room  string
	Table models.VoteTable
}

// Table is the shared storage behind the vote gateway. Implementations emit
// one Change per applied mutation, in the order mutations were applied.
type Table interface {
	// Set upserts a record. Changing the display name of an existing
	// record is rejected with ErrNameImmutable.
	Set(ctx context.Context, room string, key models.ParticipantID, record models.VoteRecord) error
	Remove(ctx context.Context, room string, key models.ParticipantID) error
	Snapshot(ctx context.Context, room string) (models.VoteTable, error)
	Changes() <-chan Change
	Close() error
}
