package behavior

import "sort"

type threatEntry struct {
	damage  float64
	lastHit uint64
}

// ThreatTable accumulates damage per attacker.
type ThreatTable struct {
	entries map[string]*threatEntry
	hits    uint64
}

func NewThreatTable() *ThreatTable {
	return &ThreatTable{entries: make(map[string]*threatEntry)}
}

// Add records a hit. Ordering between hits comes from call order, not wall
// time, so replays are deterministic.
func (t *ThreatTable) Add(attacker string, damage float64) {
	if attacker == "" || damage <= 0 {
		return
	}
	t.hits++
	e, ok := t.entries[attacker]
	if !ok {
		e = &threatEntry{}
		t.entries[attacker] = e
	}
	e.damage += damage
	e.lastHit = t.hits
}

func (t *ThreatTable) Remove(attacker string) {
	delete(t.entries, attacker)
}

func (t *ThreatTable) Clear() {
	t.entries = make(map[string]*threatEntry)
}

func (t *ThreatTable) Len() int {
	return len(t.entries)
}

func (t *ThreatTable) Damage(attacker string) float64 {
	if e, ok := t.entries[attacker]; ok {
		return e.damage
	}
	return 0
}

// Ranked lists attackers by accumulated damage, most recent hit first on ties.
func (t *ThreatTable) Ranked() []string {
	out := make([]string, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := t.entries[out[i]], t.entries[out[j]]
		if a.damage != b.damage {
			return a.damage > b.damage
		}
		return a.lastHit > b.lastHit
	})
	return out
}

// Top returns the highest-threat attacker accepted by eligible.
func (t *ThreatTable) Top(eligible func(string) bool) (string, bool) {
	for _, id := range t.Ranked() {
		if eligible == nil || eligible(id) {
			return id, true
		}
	}
	return "", false
}
