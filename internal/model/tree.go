package model

import "sync"

// Tree indexes a module's ObjectInfo set by parent/child links so the
// handler can answer GetChildrenOfObjects/GetParentOfObject/GetRootObject
// and walk subscription roots (spec §4.6, §6).
type Tree struct {
	mu       sync.RWMutex
	byRef    map[ObjectRef]*ObjectInfo
	children map[ObjectRef][]ObjectRef
}

// NewTree builds an empty Tree.
func NewTree() *Tree {
	return &Tree{
		byRef:    make(map[ObjectRef]*ObjectInfo),
		children: make(map[ObjectRef][]ObjectRef),
	}
}

// Sync replaces the tree's contents with objects, matching spec §4.2's
// Sync semantics for the object/variable set a module declares.
func (t *Tree) Sync(objects []ObjectInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byRef = make(map[ObjectRef]*ObjectInfo, len(objects))
	t.children = make(map[ObjectRef][]ObjectRef)

	for i := range objects {
		obj := objects[i]
		t.byRef[obj.Ref] = &obj
		if obj.ParentRef != nil {
			t.children[*obj.ParentRef] = append(t.children[*obj.ParentRef], obj.Ref)
		}
	}
}

// Get returns the descriptor for ref, or nil if unknown.
func (t *Tree) Get(ref ObjectRef) *ObjectInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byRef[ref]
}

// Children returns the direct children of ref.
func (t *Tree) Children(ref ObjectRef) []ObjectRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ObjectRef, len(t.children[ref]))
	copy(out, t.children[ref])
	return out
}

// SyncModule replaces only moduleID's objects, leaving every other
// module's descriptors untouched — the tree-wide counterpart to a single
// module's Store.Sync (spec §4.2), since a process normally hosts many
// modules sharing one Tree.
func (t *Tree) SyncModule(moduleID string, objects []ObjectInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ref, old := range t.byRef {
		if ref.ModuleID != moduleID {
			continue
		}
		if old.ParentRef != nil {
			t.removeChildLocked(*old.ParentRef, ref)
		}
		delete(t.byRef, ref)
		delete(t.children, ref)
	}

	for i := range objects {
		obj := objects[i]
		t.byRef[obj.Ref] = &obj
		if obj.ParentRef != nil {
			t.children[*obj.ParentRef] = append(t.children[*obj.ParentRef], obj.Ref)
		}
	}
}

// Parent returns the parent of ref, or nil if ref is a root or unknown.
func (t *Tree) Parent(ref ObjectRef) *ObjectRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.byRef[ref]
	if !ok {
		return nil
	}
	return obj.ParentRef
}

// Root walks parent links from ref up to the root object.
func (t *Tree) Root(ref ObjectRef) ObjectRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := ref
	for {
		obj, ok := t.byRef[cur]
		if !ok || obj.ParentRef == nil {
			return cur
		}
		cur = *obj.ParentRef
	}
}

// Descendants returns every object in the subtree rooted at ref, including
// ref itself.
func (t *Tree) Descendants(ref ObjectRef) []ObjectRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ObjectRef
	var walk func(ObjectRef)
	walk = func(r ObjectRef) {
		out = append(out, r)
		for _, c := range t.children[r] {
			walk(c)
		}
	}
	walk(ref)
	return out
}

// Upsert inserts obj or replaces its existing descriptor, re-parenting it
// if ParentRef changed (spec §6's UpdateConfig updateOrDeleteObjects).
func (t *Tree) Upsert(obj ObjectInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byRef[obj.Ref]; ok && old.ParentRef != nil {
		t.removeChildLocked(*old.ParentRef, obj.Ref)
	}
	cp := obj
	t.byRef[obj.Ref] = &cp
	if obj.ParentRef != nil {
		t.children[*obj.ParentRef] = append(t.children[*obj.ParentRef], obj.Ref)
	}
}

// Remove deletes ref and detaches it from its parent's child list.
// Descendants are left in place (spec §6's UpdateConfig treats object
// deletion and subtree deletion as distinct operations).
func (t *Tree) Remove(ref ObjectRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byRef[ref]; ok && old.ParentRef != nil {
		t.removeChildLocked(*old.ParentRef, ref)
	}
	delete(t.byRef, ref)
	delete(t.children, ref)
}

func (t *Tree) removeChildLocked(parent, child ObjectRef) {
	kids := t.children[parent]
	for i, k := range kids {
		if k == child {
			t.children[parent] = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}

// UpsertVariable adds or replaces one variable descriptor on its owning
// object (spec §6's UpdateConfig updateOrDeleteMembers/addArrayElements).
func (t *Tree) UpsertVariable(v Variable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.byRef[v.Ref.Object]
	if !ok {
		return
	}
	cp := *obj
	vars := make([]Variable, 0, len(cp.Variables)+1)
	replaced := false
	for _, existing := range cp.Variables {
		if existing.Ref == v.Ref {
			vars = append(vars, v)
			replaced = true
			continue
		}
		vars = append(vars, existing)
	}
	if !replaced {
		vars = append(vars, v)
	}
	cp.Variables = vars
	t.byRef[v.Ref.Object] = &cp
}

// RemoveVariable deletes one variable descriptor from its owning object.
func (t *Tree) RemoveVariable(ref VariableRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.byRef[ref.Object]
	if !ok {
		return
	}
	cp := *obj
	vars := make([]Variable, 0, len(cp.Variables))
	for _, existing := range cp.Variables {
		if existing.Ref != ref {
			vars = append(vars, existing)
		}
	}
	cp.Variables = vars
	t.byRef[ref.Object] = &cp
}

// All returns every object descriptor currently in the tree, in no
// particular order (spec §6's GetAllObjects).
func (t *Tree) All() []ObjectInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ObjectInfo, 0, len(t.byRef))
	for _, obj := range t.byRef {
		out = append(out, *obj)
	}
	return out
}

// Roots returns every object with no parent (spec §6's GetRootObject,
// generalized to the tree's full root set rather than a single root).
func (t *Tree) Roots() []ObjectRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ObjectRef
	for ref, obj := range t.byRef {
		if obj.ParentRef == nil {
			out = append(out, ref)
		}
	}
	return out
}

// Variables returns every VariableRef declared across the subtree rooted
// at ref.
func (t *Tree) Variables(ref ObjectRef) []VariableRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var refs []ObjectRef
	var walk func(ObjectRef)
	walk = func(r ObjectRef) {
		refs = append(refs, r)
		for _, c := range t.children[r] {
			walk(c)
		}
	}
	walk(ref)

	var out []VariableRef
	for _, r := range refs {
		obj, ok := t.byRef[r]
		if !ok {
			continue
		}
		for _, v := range obj.Variables {
			out = append(out, v.Ref)
		}
	}
	return out
}
