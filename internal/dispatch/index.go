package dispatch

import (
	"context"

	"github.com/outreachd/outreachd/internal/dedupe"
	"github.com/outreachd/outreachd/internal/store"
)

// StoreIndex adapts the bolt store's identity bucket to the resolver's
// lookup interface.
type StoreIndex struct {
	Store *store.Store
}

// ProspectsByIdentity implements dedupe.IdentityIndex.
func (x *StoreIndex) ProspectsByIdentity(ctx context.Context, workspaceID, normalizedID string) ([]dedupe.Holder, error) {
	prospects, err := x.Store.ProspectsByIdentity(ctx, workspaceID, normalizedID)
	if err != nil {
		return nil, err
	}
	holders := make([]dedupe.Holder, 0, len(prospects))
	for _, p := range prospects {
		holders = append(holders, dedupe.Holder{
			ProspectID:  p.ID,
			CampaignID:  p.CampaignID,
			Contactable: p.Status.Contactable(),
		})
	}
	return holders, nil
}
