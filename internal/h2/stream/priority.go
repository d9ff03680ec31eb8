package stream

import "github.com/zazzel/h2stream/internal/h2/frame"

// Priority-tree bookkeeping per RFC 7540 §5.3. Every non-root stream has
// exactly one parent; the graph stays acyclic because inserting an edge that
// would close a cycle first re-parents the would-be parent (§5.3.3).

// Weight returns the stream's priority weight in 1..256.
func (s *Stream) Weight() uint16 {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	return s.weight
}

// SetWeight records the effective weight (wire value + 1).
func (s *Stream) SetWeight(w uint16) {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	if w < 1 {
		w = 1
	}
	if w > 256 {
		w = 256
	}
	s.weight = w
}

// Parent returns the stream this one currently depends on.
func (s *Stream) Parent() *Stream {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	return s.parent
}

// Dependees returns the streams currently depending on s.
func (s *Stream) Dependees() []*Stream {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	out := make([]*Stream, 0, len(s.dependees))
	for d := range s.dependees {
		out = append(out, d)
	}
	return out
}

// hasAncestor reports whether a appears on s's parent chain. Caller holds
// treeMu.
func (s *Stream) hasAncestor(a *Stream) bool {
	for p := s.parent; p != nil; p = p.parent {
		if p == a {
			return true
		}
	}
	return false
}

// detachLocked removes s from its parent's dependee set. Caller holds treeMu.
func (s *Stream) detachLocked() {
	if s.parent != nil {
		delete(s.parent.dependees, s)
	}
}

// Reprioritise makes dependent depend on s. With exclusive set, all of s's
// current dependees are re-parented under dependent first. If s is already a
// descendant of dependent, s is first moved up to dependent's current parent
// non-exclusively so the tree stays acyclic.
func (s *Stream) Reprioritise(dependent *Stream, exclusive bool) *frame.Error {
	if dependent.ID == 0 {
		return frame.ProtocolError("stream 0 cannot depend on another stream")
	}
	if dependent == s {
		return frame.ProtocolError("stream %d cannot depend on itself", s.ID).WithStream(s.ID)
	}
	s.treeMu.Lock()
	defer s.treeMu.Unlock()

	if s.hasAncestor(dependent) {
		// Cycle break per RFC 7540 §5.3.3: move s to the dependent's current
		// parent, non-exclusively, before inserting the new edge.
		s.detachLocked()
		s.parent = dependent.parent
		if s.parent != nil {
			s.parent.dependees[s] = struct{}{}
		}
	}

	dependent.detachLocked()
	dependent.parent = s

	if exclusive {
		for d := range s.dependees {
			delete(s.dependees, d)
			d.parent = dependent
			dependent.dependees[d] = struct{}{}
		}
	}
	s.dependees[dependent] = struct{}{}
	return nil
}

// RemoveFromTree detaches s, re-parenting its dependees to its own parent.
// Called when the stream table drops the stream.
func (s *Stream) RemoveFromTree() {
	if s.ID == 0 {
		return
	}
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	for d := range s.dependees {
		delete(s.dependees, d)
		d.parent = s.parent
		if s.parent != nil {
			s.parent.dependees[d] = struct{}{}
		}
	}
	s.detachLocked()
	s.parent = nil
}

// applyPriority applies a decoded priority record to s: resolves the named
// dependency (a non-existent dependency means the connection root, per RFC
// 7540 §5.3.1), reprioritises, and records the effective weight.
func (s *Stream) applyPriority(p frame.PriorityParam) *frame.Error {
	dep, ok := s.conn.StreamByID(p.StreamDep)
	if !ok {
		dep, ok = s.conn.StreamByID(0)
		if !ok {
			return frame.InternalError("connection has no root stream")
		}
	}
	if err := dep.Reprioritise(s, p.Exclusive); err != nil {
		return err
	}
	s.SetWeight(uint16(p.Weight) + 1)
	return nil
}
