// Package spatialmath implements the rigid-body geometry the mapping core
// needs: 2D/3D vectors and SE(3) rigid transforms, with the analytical
// exponential/log maps the optimizer's Jacobians require.
package spatialmath

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Vec3 is a point or direction in 3-space. Alias to the reference stack's
// own vector type rather than a hand-rolled struct, matching
// rimage/transform's direct use of github.com/golang/geo.
type Vec3 = r3.Vector

// Vec2 is a 2D pixel or image-plane coordinate.
type Vec2 = r2.Point

// NewVec3 constructs a Vec3 from components.
func NewVec3(x, y, z float64) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

// NewVec2 constructs a Vec2 from components.
func NewVec2(x, y float64) Vec2 {
	return Vec2{X: x, Y: y}
}

// Sub returns a - b.
func Sub(a, b Vec3) Vec3 {
	return a.Sub(b)
}

// Add returns a + b.
func Add(a, b Vec3) Vec3 {
	return a.Add(b)
}
