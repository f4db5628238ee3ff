package relationship

import (
	"context"
	"time"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
)

// Views builds relationship summaries for API responses.
type Views struct {
	db  *db.DB
	now func() time.Time
}

func NewViews(store *db.DB) *Views {
	return &Views{db: store, now: time.Now}
}

// Summarize returns viewer's relationship to each of targetIds, in the same order and
// including repeated ids. All edges are read in one query.
func (v *Views) Summarize(ctx context.Context, viewer *domain.Account, targetIds []uuid.UUID) ([]domain.Relationship, error) {
	distinct := make([]uuid.UUID, 0, len(targetIds))
	seen := make(map[uuid.UUID]bool, len(targetIds))
	for _, id := range targetIds {
		if !seen[id] {
			seen[id] = true
			distinct = append(distinct, id)
		}
	}

	edges, err := v.db.RelationshipEdges(ctx, viewer.Id, distinct, v.now())
	if err != nil {
		return nil, err
	}

	out := make([]domain.Relationship, len(targetIds))
	for i, id := range targetIds {
		if rel, ok := edges[id]; ok {
			out[i] = *rel
		} else {
			out[i] = domain.Relationship{Id: id}
		}
	}
	return out, nil
}
