package sync

import (
	"context"
	"errors"

	"github.com/formworks/fieldsync/internal/model"
	"github.com/formworks/fieldsync/internal/store"
	"github.com/google/uuid"
)

// metaDeviceID is the sync_meta key holding the persisted device identity.
const metaDeviceID = "device_id"

// SyncContext carries the per-session values the engine needs: where to
// sync, how to authenticate, and which device this is. It is created when
// a session starts and discarded on teardown; nothing in the engine reads
// ambient globals.
type SyncContext struct {
	BaseURL  string
	APIKey   string
	DeviceID string

	// PreviewOverride, when set, substitutes a draft schema version for the
	// table it names. Used for live form preview; never persisted.
	PreviewOverride *model.SchemaVersion
}

// NewSyncContext builds a session context, loading (or generating and
// persisting) the device id from the local store.
func NewSyncContext(ctx context.Context, s *store.LocalStore, baseURL, apiKey string) (*SyncContext, error) {
	deviceID, err := s.GetMeta(ctx, metaDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		deviceID = uuid.NewString()
		if err := s.SetMeta(ctx, metaDeviceID, deviceID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return &SyncContext{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
	}, nil
}

// SchemaFor returns the preview override when it matches the table,
// otherwise nil. Callers fall through to the version cache.
func (sc *SyncContext) SchemaFor(tableID string) *model.SchemaVersion {
	if sc.PreviewOverride != nil && sc.PreviewOverride.TableID == tableID {
		return sc.PreviewOverride
	}
	return nil
}
