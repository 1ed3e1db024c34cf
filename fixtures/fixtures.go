// Package fixtures builds deterministic synthetic scenes — a camera, a
// field of 3D points, and keyframes with pixel-accurate projections and
// per-point descriptors — for backend end-to-end tests.
// Grounded on pointcloud/testutils.go's small deterministic test-fixture
// generators.
package fixtures

import (
	"math"
	"time"

	"go.viam.com/slamcore/camera"
	"go.viam.com/slamcore/keyframe"
	"go.viam.com/slamcore/spatialmath"
)

// DescriptorBytes is the width, in bytes, of the synthetic ORB-style binary
// descriptors this package generates.
const DescriptorBytes = 32

// NewCamera returns a standard pinhole intrinsics model for a 640x480
// RGB-D sensor with a generous depth range, suitable for every scenario.
func NewCamera() *camera.Model {
	return &camera.Model{
		Fx: 500, Fy: 500,
		Cx: 320, Cy: 240,
		DepthScale: 1000, // millimeters per meter
		Width:      640, Height: 480,
		MinDepth: 0.05,
		MaxDepth: 0,
	}
}

// GridPoints returns n deterministic 3D world points on a regular grid in
// front of the origin-facing camera, far enough along Z to stay in frame
// at identity pose.
func GridPoints(n int) []spatialmath.Vec3 {
	points := make([]spatialmath.Vec3, 0, n)
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	for i := 0; i < n; i++ {
		row := i / cols
		col := i % cols
		x := float64(col-cols/2) * 0.2
		y := float64(row-cols/2) * 0.2
		z := 5.0
		points = append(points, spatialmath.NewVec3(x, y, z))
	}
	return points
}

// Descriptor deterministically derives a DescriptorBytes-wide binary
// descriptor from a point index, so the same index always yields the same
// bytes (needed for exact-match fusion/re-match scenarios).
func Descriptor(index int) []byte {
	d := make([]byte, DescriptorBytes)
	seed := uint32(index*2654435761 + 1)
	for i := range d {
		seed = seed*1103515245 + 12345
		d[i] = byte(seed >> 16)
	}
	return d
}

// Keypoints projects world points through cam under pose and attaches each
// one's deterministic descriptor, producing a pixel-accurate keypoint set.
// Points that project outside the image or behind the camera are skipped;
// the returned slice is therefore not guaranteed to have one entry per
// input point — callers needing the correspondence should check length.
func Keypoints(cam *camera.Model, pose spatialmath.Pose, points []spatialmath.Vec3, descriptorOffset int) []keyframe.Keypoint {
	out := make([]keyframe.Keypoint, 0, len(points))
	for i, p := range points {
		pc := camera.WorldToCamera(p, pose)
		if pc.Z <= 0 {
			continue
		}
		px := cam.CameraToPixel(pc)
		if !cam.InBounds(px) {
			continue
		}
		out = append(out, keyframe.Keypoint{Point: px, Descriptor: Descriptor(descriptorOffset + i)})
	}
	return out
}

// ConstantDepthMap returns a DepthMap reporting a uniform raw depth value
// (in cam's depth-scale units) at every pixel.
func ConstantDepthMap(cam *camera.Model, rawValue float64) *keyframe.DepthMap {
	data := make([][]float64, cam.Width)
	for x := range data {
		row := make([]float64, cam.Height)
		for y := range row {
			row[y] = rawValue
		}
		data[x] = row
	}
	return keyframe.NewDepthMap(cam.Width, cam.Height, data)
}

// NewKeyframe builds a fully constructed keyframe at the given pose,
// observing the given world points with pixel-accurate keypoints and
// deterministic descriptors (offset by descriptorOffset so keyframes built
// from different point sets don't alias each other's descriptors). No
// observations are registered yet — the caller (or the backend's
// ProcessNewKeyframe pipeline) does that.
func NewKeyframe(id int64, pose spatialmath.Pose, cam *camera.Model, points []spatialmath.Vec3, descriptorOffset int) *keyframe.Keyframe {
	kps := Keypoints(cam, pose, points, descriptorOffset)
	depth := ConstantDepthMap(cam, 5000) // 5000mm = 5m at the default depth scale
	return keyframe.New(id, time.Unix(int64(id), 0), pose, cam, nil, depth, kps)
}
