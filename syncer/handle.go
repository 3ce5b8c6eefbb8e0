package syncer

import (
	"context"
	"time"

	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
)

// Handle is the kind-erased view of a Syncer used by the queue dispatcher, the
// change coordinator and conflict handling.
type Handle interface {
	Kind() models.EntityKind
	UploadID(ctx context.Context, id string) error
	ForceUploadID(ctx context.Context, id string) error
	DeleteID(ctx context.Context, id string) error
	PushPending(ctx context.Context) (int, error)
	Pull(ctx context.Context, since *time.Time) (PullResult, error)
	MergeRow(ctx context.Context, row remote.Row) (MergeAction, error)
	ApplyRemoteDelete(ctx context.Context, id string) (bool, error)
	TakeRemote(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status models.SyncStatus) error
	Compare(ctx context.Context, id string) (Comparison, error)
}

var (
	_ Handle = (*Syncer[*models.Customer])(nil)
	_ Handle = (*Syncer[*models.Ticket])(nil)
	_ Handle = (*Syncer[*models.InventoryItem])(nil)
	_ Handle = (*Syncer[*models.Employee])(nil)
	_ Handle = (*Syncer[*models.Appointment])(nil)
	_ Handle = (*Syncer[*models.LoyaltyMember])(nil)
)
