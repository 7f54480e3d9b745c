// Package model holds the identity and descriptor types shared across the
// mediator: ObjectRef/VariableRef (spec §3), Variable descriptors, and the
// object forest each module owns.
package model

import "fmt"

// ObjectRef globally identifies a configured object: which module owns it,
// and its module-local object ID. Stable for the object's lifetime.
type ObjectRef struct {
	ModuleID       string
	LocalObjectID  int64
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s:%d", r.ModuleID, r.LocalObjectID)
}

// VariableRef identifies a single named variable on an object.
type VariableRef struct {
	Object ObjectRef
	Name   string
}

func (r VariableRef) String() string {
	return fmt.Sprintf("%s.%s", r.Object, r.Name)
}
