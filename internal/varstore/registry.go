package varstore

import (
	"fmt"

	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// Registry resolves a VariableRef to the Store owning it (spec §3's "Each
// VariableRef resolves to at most one owning ModuleState"), so the request
// handler can address the whole mediator's variable space by VariableRef
// alone without knowing how many per-module Stores exist behind it.
// Resolve normally closes over the supervisor's ModuleState list.
type Registry struct {
	Resolve func(moduleID string) *Store
}

// NewRegistry builds a Registry around resolve.
func NewRegistry(resolve func(moduleID string) *Store) *Registry {
	return &Registry{Resolve: resolve}
}

// Update routes each entry of batch to its owning module's Store and
// returns the combined Change slice in input order (spec §4.2's Update,
// generalized across every configured module).
func (r *Registry) Update(batch []VariableValue) []Change {
	out := make([]Change, len(batch))
	byModule := make(map[string][]int)
	for i, vv := range batch {
		byModule[vv.Ref.Object.ModuleID] = append(byModule[vv.Ref.Object.ModuleID], i)
	}

	for moduleID, idxs := range byModule {
		store := r.Resolve(moduleID)
		if store == nil {
			for _, i := range idxs {
				out[i] = Change{Ref: batch[i].Ref}
			}
			continue
		}

		sub := make([]VariableValue, len(idxs))
		for j, i := range idxs {
			sub[j] = batch[i]
		}
		changes := store.Update(sub)
		for j, i := range idxs {
			out[i] = changes[j]
		}
	}
	return out
}

// GetMany routes each ref to its owning module's Store, matching Store's
// own GetMany contract (spec §4.2's Get, batched).
func (r *Registry) GetMany(refs []model.VariableRef) (values []vtq.VTQ, errOut []error) {
	values = make([]vtq.VTQ, len(refs))
	errOut = make([]error, len(refs))

	byModule := make(map[string][]int)
	for i, ref := range refs {
		byModule[ref.Object.ModuleID] = append(byModule[ref.Object.ModuleID], i)
	}

	for moduleID, idxs := range byModule {
		store := r.Resolve(moduleID)
		if store == nil {
			for _, i := range idxs {
				errOut[i] = errUnknownModule(moduleID)
			}
			continue
		}

		sub := make([]model.VariableRef, len(idxs))
		for j, i := range idxs {
			sub[j] = refs[i]
		}
		subValues, subErrs := store.GetMany(sub)
		for j, i := range idxs {
			values[i] = subValues[j]
			errOut[i] = subErrs[j]
		}
	}
	return values, errOut
}

func errUnknownModule(moduleID string) error {
	return errs.New(errs.Request, "varstore.Registry", fmt.Errorf("unknown module %q", moduleID))
}
