// Package spatial answers the proximity questions the behavior machine asks
// of the world: who is near a point, and what a ray hits first.
package spatial

import (
	"math"
	"sort"
	"sync"

	"replicore/internal/mathx"
)

// Result is one radius-query match.
type Result struct {
	ID       string
	Tag      string
	Position mathx.Vec3
	Distance float64
}

// Hit is the nearest body a ray intersects.
type Hit struct {
	ID       string
	Tag      string
	Point    mathx.Vec3
	Distance float64
}

// Query is the read-only surface consumed by simulations.
type Query interface {
	QueryRadius(center mathx.Vec3, radius float64) []Result
	Raycast(origin, direction mathx.Vec3, maxDistance float64) (Hit, bool)
}

type body struct {
	id       string
	tag      string
	position mathx.Vec3
	radius   float64
}

// Index is a brute-force Query over spheres. Worlds in this core hold tens of
// bodies, so a linear scan stays within a tick budget.
type Index struct {
	mu     sync.RWMutex
	bodies map[string]*body
}

var _ Query = (*Index)(nil)

func NewIndex() *Index {
	return &Index{bodies: make(map[string]*body)}
}

// Upsert places or moves a body.
func (ix *Index) Upsert(id, tag string, position mathx.Vec3, radius float64) {
	if radius < 0 {
		radius = 0
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if b, ok := ix.bodies[id]; ok {
		b.tag = tag
		b.position = position
		b.radius = radius
		return
	}
	ix.bodies[id] = &body{id: id, tag: tag, position: position, radius: radius}
}

// Move updates a body's position. It reports false for unknown ids.
func (ix *Index) Move(id string, position mathx.Vec3) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	b, ok := ix.bodies[id]
	if ok {
		b.position = position
	}
	return ok
}

func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	delete(ix.bodies, id)
	ix.mu.Unlock()
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.bodies)
}

// QueryRadius lists bodies whose centers lie within radius of center,
// nearest first; equal distances order by id.
func (ix *Index) QueryRadius(center mathx.Vec3, radius float64) []Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []Result
	for _, b := range ix.bodies {
		d := b.position.Dist(center)
		if d <= radius {
			out = append(out, Result{ID: b.id, Tag: b.tag, Position: b.position, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Raycast returns the first body surface the ray enters within maxDistance.
// A ray starting inside a body hits it at distance zero.
func (ix *Index) Raycast(origin, direction mathx.Vec3, maxDistance float64) (Hit, bool) {
	dir := direction.Normalize()
	if dir.Len() == 0 || maxDistance <= 0 {
		return Hit{}, false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	best := Hit{Distance: math.Inf(1)}
	found := false
	for _, b := range ix.bodies {
		t, ok := intersect(origin, dir, b.position, b.radius)
		if !ok || t > maxDistance {
			continue
		}
		if t < best.Distance || (t == best.Distance && b.id < best.ID) {
			best = Hit{ID: b.id, Tag: b.tag, Point: origin.Add(dir.Scale(t)), Distance: t}
			found = true
		}
	}
	return best, found
}

// intersect solves |origin + t*dir - center| = radius for the smallest t >= 0.
func intersect(origin, dir, center mathx.Vec3, radius float64) (float64, bool) {
	oc := origin.Sub(center)
	c := oc.Dot(oc) - radius*radius
	if c <= 0 {
		return 0, true
	}
	b := oc.Dot(dir)
	if b > 0 {
		return 0, false
	}
	disc := b*b - c
	if disc < 0 {
		return 0, false
	}
	return -b - math.Sqrt(disc), true
}
