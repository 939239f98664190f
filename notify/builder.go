package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Builder stamps notifications with an id and creation time.
type Builder struct {
	NewID func() string
	Now   func() time.Time
}

func NewBuilder() Builder {
	return Builder{NewID: uuid.NewString, Now: time.Now}
}

func (b Builder) New(userID string, t Type, p Priority, relatedID, content string) Notification {
	newID, now := b.NewID, b.Now
	if newID == nil {
		newID = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return Notification{
		ID:        newID(),
		UserID:    userID,
		Type:      t,
		Content:   content,
		RelatedID: relatedID,
		Priority:  p,
		CreatedAt: now().UTC(),
	}
}

// StageAll stages every notification in batch inside tx.
func StageAll(ctx context.Context, q Queue, tx pgx.Tx, batch []Notification) error {
	for _, n := range batch {
		if err := q.Stage(ctx, tx, n); err != nil {
			return fmt.Errorf("notify: stage %s: %w", n.ID, err)
		}
	}
	return nil
}
