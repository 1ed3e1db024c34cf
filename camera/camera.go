// Package camera implements the pinhole RGB-D camera model: intrinsics,
// depth scale, and the pixel/camera/world conversions the mapping core
// needs to triangulate and reproject landmarks.
package camera

import (
	"github.com/pkg/errors"

	"go.viam.com/slamcore/spatialmath"
)

// Model holds pinhole intrinsics, the depth-image scale factor (depth units
// per meter), and the valid depth range for this sensor. Immutable once
// constructed.
type Model struct {
	Fx, Fy     float64
	Cx, Cy     float64
	DepthScale float64

	// Width and Height are the pixel dimensions of images produced by this
	// camera; used by IsInView bounds checks.
	Width, Height int

	// MinDepth and MaxDepth bound plausible depth samples, in meters. A
	// sample outside this range is treated as "no depth". Zero MaxDepth
	// means unbounded.
	MinDepth, MaxDepth float64
}

// Validate checks that the intrinsics are physically sensible.
func (m Model) Validate() error {
	if m.Fx <= 0 || m.Fy <= 0 {
		return errors.Errorf("camera: invalid focal length (fx=%v, fy=%v)", m.Fx, m.Fy)
	}
	if m.Cx < 0 || m.Cy < 0 {
		return errors.Errorf("camera: invalid principal point (cx=%v, cy=%v)", m.Cx, m.Cy)
	}
	if m.DepthScale <= 0 {
		return errors.Errorf("camera: invalid depth scale %v", m.DepthScale)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return errors.Errorf("camera: invalid image size (%dx%d)", m.Width, m.Height)
	}
	if m.MaxDepth != 0 && m.MinDepth >= m.MaxDepth {
		return errors.Errorf("camera: invalid depth range [%v, %v]", m.MinDepth, m.MaxDepth)
	}
	return nil
}

// DepthInRange reports whether a depth sample (in meters) is usable.
func (m Model) DepthInRange(depth float64) bool {
	if depth <= 0 {
		return false
	}
	if m.MaxDepth != 0 && depth > m.MaxDepth {
		return false
	}
	return depth >= m.MinDepth
}

// InBounds reports whether a pixel falls within this camera's image.
func (m Model) InBounds(px spatialmath.Vec2) bool {
	return px.X >= 0 && px.X < float64(m.Width) && px.Y >= 0 && px.Y < float64(m.Height)
}

// WorldToCamera transforms a world point into the camera frame given the
// camera's world-to-camera pose.
func WorldToCamera(pWorld spatialmath.Vec3, tCW spatialmath.Pose) spatialmath.Vec3 {
	return tCW.Transform(pWorld)
}

// CameraToWorld is the inverse of WorldToCamera.
func CameraToWorld(pCamera spatialmath.Vec3, tCW spatialmath.Pose) spatialmath.Vec3 {
	return tCW.Inverse().Transform(pCamera)
}

// CameraToPixel projects a camera-frame point to a pixel using the standard
// pinhole form u = fx*X/Z + cx, v = fy*Y/Z + cy. Callers must pre-filter
// Z <= 0; the result for such inputs is finite but meaningless.
func (m Model) CameraToPixel(p spatialmath.Vec3) spatialmath.Vec2 {
	return spatialmath.NewVec2(
		m.Fx*p.X/p.Z+m.Cx,
		m.Fy*p.Y/p.Z+m.Cy,
	)
}

// PixelToCamera back-projects a pixel at the given depth (default depth=1,
// i.e. a ray direction) into the camera frame.
func (m Model) PixelToCamera(px spatialmath.Vec2, depth float64) spatialmath.Vec3 {
	if depth == 0 {
		depth = 1
	}
	return spatialmath.NewVec3(
		(px.X-m.Cx)/m.Fx*depth,
		(px.Y-m.Cy)/m.Fy*depth,
		depth,
	)
}

// PixelToWorld composes PixelToCamera with CameraToWorld.
func (m Model) PixelToWorld(px spatialmath.Vec2, depth float64, tCW spatialmath.Pose) spatialmath.Vec3 {
	pCam := m.PixelToCamera(px, depth)
	return CameraToWorld(pCam, tCW)
}

// WorldToPixel composes WorldToCamera with CameraToPixel.
func (m Model) WorldToPixel(pWorld spatialmath.Vec3, tCW spatialmath.Pose) spatialmath.Vec2 {
	pCam := WorldToCamera(pWorld, tCW)
	return m.CameraToPixel(pCam)
}

// RawDepthToMeters converts a raw depth-image sample to meters using the
// model's depth scale.
func (m Model) RawDepthToMeters(raw float64) float64 {
	return raw / m.DepthScale
}
