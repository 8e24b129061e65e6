package query

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentuity/go-query/mutation"
	"github.com/agentuity/go-query/querykey"
)

// DehydratedState is the portable snapshot of a client: successful
// query data plus mutations paused for connectivity. It round-trips
// through msgpack, so Data and Vars must hold msgpack-encodable values.
type DehydratedState struct {
	Queries   []DehydratedQuery    `msgpack:"queries"`
	Mutations []DehydratedMutation `msgpack:"mutations"`
}

// DehydratedQuery carries one query's cacheable result.
type DehydratedQuery struct {
	Key           querykey.Key   `msgpack:"key"`
	Data          any            `msgpack:"data"`
	DataUpdatedAt time.Time      `msgpack:"dataUpdatedAt"`
	Meta          map[string]any `msgpack:"meta,omitempty"`
}

// DehydratedMutation carries one paused mutation. The function itself
// is not serialized; the hydrating side supplies it through mutation
// defaults registered for the key.
type DehydratedMutation struct {
	Key         querykey.Key   `msgpack:"key"`
	Vars        any            `msgpack:"vars"`
	SubmittedAt time.Time      `msgpack:"submittedAt"`
	Meta        map[string]any `msgpack:"meta,omitempty"`
}

// Encode serializes the state with msgpack.
func (s *DehydratedState) Encode() ([]byte, error) {
	return msgpack.Marshal(s)
}

// DecodeDehydratedState deserializes msgpack bytes produced by Encode.
func DecodeDehydratedState(b []byte) (*DehydratedState, error) {
	var s DehydratedState
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DehydrateOptions select what Dehydrate carries.
type DehydrateOptions struct {
	// ShouldDehydrateQuery defaults to successful queries with data.
	ShouldDehydrateQuery func(q *Query) bool
	// ShouldDehydrateMutation defaults to paused mutations.
	ShouldDehydrateMutation func(m *mutation.Mutation) bool
}

// DefaultShouldDehydrateQuery keeps settled successes.
func DefaultShouldDehydrateQuery(q *Query) bool {
	st := q.State()
	return st.Status == StatusSuccess && st.hasData()
}

// DefaultShouldDehydrateMutation keeps mutations paused for
// connectivity, so offline work survives a restart.
func DefaultShouldDehydrateMutation(m *mutation.Mutation) bool {
	return m.IsPaused()
}

// Dehydrate snapshots the client's caches for transfer or persistence.
func Dehydrate(c *Client, opts *DehydrateOptions) *DehydratedState {
	shouldQuery := DefaultShouldDehydrateQuery
	shouldMutation := DefaultShouldDehydrateMutation
	if opts != nil {
		if opts.ShouldDehydrateQuery != nil {
			shouldQuery = opts.ShouldDehydrateQuery
		}
		if opts.ShouldDehydrateMutation != nil {
			shouldMutation = opts.ShouldDehydrateMutation
		}
	}

	out := &DehydratedState{}
	for _, q := range c.cache.GetAll() {
		if !shouldQuery(q) {
			continue
		}
		st := q.State()
		out.Queries = append(out.Queries, DehydratedQuery{
			Key:           q.Key(),
			Data:          st.Data,
			DataUpdatedAt: st.DataUpdatedAt,
			Meta:          q.Meta(),
		})
	}
	for _, m := range c.mutations.GetAll() {
		if !shouldMutation(m) {
			continue
		}
		st := m.State()
		out.Mutations = append(out.Mutations, DehydratedMutation{
			Key:         m.Key(),
			Vars:        st.Vars,
			SubmittedAt: st.SubmittedAt,
			Meta:        m.Meta(),
		})
	}
	return out
}

// Hydrate merges a dehydrated snapshot into the client. Queries whose
// cached data is already newer are left alone. Restored mutations
// arrive paused; ResumePausedMutations runs them using the functions
// registered through SetMutationDefaults.
func Hydrate(c *Client, state *DehydratedState) {
	if state == nil {
		return
	}
	c.sched.Batch(func() {
		for _, dq := range state.Queries {
			if existing := c.cache.GetByKey(dq.Key); existing != nil {
				if !existing.State().DataUpdatedAt.Before(dq.DataUpdatedAt) {
					continue
				}
			}
			opts := c.defaultQueryOptions(Options{Key: dq.Key, Meta: dq.Meta})
			q := c.cache.Build(opts)
			data := dq.Data
			q.SetData(func(any) any { return data }, &SetDataOptions{UpdatedAt: dq.DataUpdatedAt})
		}
		for _, dm := range state.Mutations {
			opts := c.defaultMutationOptions(mutation.Options{Key: dm.Key, Meta: dm.Meta})
			c.mutations.BuildHydrated(opts, dm.Vars, dm.SubmittedAt)
		}
	})
}
