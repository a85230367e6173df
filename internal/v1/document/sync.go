package document

// StateVector summarizes, per map and key, the highest stamp this document
// has observed. Exchanged between peers so each side can compute exactly
// the deltas the other is missing (§4.4 "document sync").
type StateVector map[string]map[string]Stamp

// Export returns this document's current state vector.
func (d *Document) Export() StateVector {
	sv := make(StateVector, len(mapNames))
	for _, name := range mapNames {
		m := d.maps[name]
		m.mu.RLock()
		entries := make(map[string]Stamp, len(m.entries))
		for k, e := range m.entries {
			entries[k] = e.Stamp
		}
		m.mu.RUnlock()
		sv[name] = entries
	}
	return sv
}

// Diff returns the ops this document holds that are missing or newer than
// what remote's state vector reports, i.e. exactly what remote needs to
// reach parity with this document. Running Diff twice against the same
// remote vector (without intervening local writes) returns the same set,
// making repeated sync rounds idempotent (§8 "idempotence").
func (d *Document) Diff(remote StateVector) []Op {
	var ops []Op
	for _, name := range mapNames {
		m := d.maps[name]
		m.mu.RLock()
		for key, e := range m.entries {
			remoteStamp, known := remote[name][key]
			if !known || e.Stamp.After(remoteStamp) {
				ops = append(ops, Op{Map: name, Key: key, Value: e.Value, Stamp: e.Stamp})
			}
		}
		m.mu.RUnlock()
	}
	return ops
}

// ApplyAll merges a batch of remote ops, each independently idempotent via
// Apply's stamp comparison.
func (d *Document) ApplyAll(ops []Op) error {
	for _, op := range ops {
		if err := d.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// Equal reports whether two documents hold byte-equivalent state across
// every map, used by sync round-trip tests (§8: "leave both documents
// byte-equal in state vector").
func (d *Document) Equal(other *Document) bool {
	a, b := d.Export(), other.Export()
	if len(a) != len(b) {
		return false
	}
	for name, aEntries := range a {
		bEntries, ok := b[name]
		if !ok || len(aEntries) != len(bEntries) {
			return false
		}
		for k, v := range aEntries {
			if bEntries[k] != v {
				return false
			}
		}
	}
	return true
}
