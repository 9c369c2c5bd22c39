package persistence

import (
	"sort"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// Store is a ContextRepository owning resources that must be released.
type Store interface {
	api.ContextRepository
	Close() error
}

// sortContexts orders contexts by last update, then id, so that trace
// queries read in hop order.
func sortContexts(list []*api.FlowContext) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.Before(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

type nopCloser struct{ api.ContextRepository }

func (nopCloser) Close() error { return nil }

// NopCloser turns a repository without resources into a Store.
func NopCloser(repo api.ContextRepository) Store {
	return nopCloser{repo}
}
