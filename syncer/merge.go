package syncer

import (
	"github.com/mmdatafocus/pos_sync/models"
)

type MergeAction int

const (
	MergeNoop MergeAction = iota
	MergeCreate
	MergeUpdateLocal
	MergeDelete
	// MergeRejectTenant marks a remote record of another tenant. It is never applied.
	MergeRejectTenant
)

func (a MergeAction) String() string {
	switch a {
	case MergeCreate:
		return "create"
	case MergeUpdateLocal:
		return "update_local"
	case MergeDelete:
		return "delete"
	case MergeRejectTenant:
		return "reject_tenant"
	default:
		return "noop"
	}
}

// Plan decides how a remote record merges into the replica. It does no I/O.
//
// Last writer wins on updated_at. The remote store assigns updated_at on every
// write, so a remote timestamp is compared with either the server time stamped on
// our last upload or merge, or a local edit time. A tie keeps the local record.
func Plan(local models.Entity, found bool, rec models.Entity, tenantID string) MergeAction {
	rm := rec.Meta()
	if rm.TenantId != tenantID {
		return MergeRejectTenant
	}
	if rm.DeletedAt != nil {
		if found {
			return MergeDelete
		}
		return MergeNoop
	}
	if !found {
		return MergeCreate
	}
	if rm.UpdatedAt.After(local.Meta().UpdatedAt) {
		return MergeUpdateLocal
	}
	return MergeNoop
}
