package optimizer

import (
	"go.viam.com/slamcore/camera"
	"go.viam.com/slamcore/spatialmath"
)

// project applies the pinhole model to a camera-frame point.
func project(cam *camera.Model, pc spatialmath.Vec3) spatialmath.Vec2 {
	return cam.CameraToPixel(pc)
}

// pointJacobian returns d(u,v)/d(Pc), the 2x3 Jacobian of the pinhole
// projection with respect to the camera-frame point, evaluated at pc.
func pointJacobian(cam *camera.Model, pc spatialmath.Vec3) [2][3]float64 {
	z := pc.Z
	zInv := 1.0 / z
	zInv2 := zInv * zInv
	return [2][3]float64{
		{cam.Fx * zInv, 0, -cam.Fx * pc.X * zInv2},
		{0, cam.Fy * zInv, -cam.Fy * pc.Y * zInv2},
	}
}

// poseJacobian returns d(u,v)/d(xi), the 2x6 Jacobian of the pinhole
// projection with respect to a left-multiplicative se(3) perturbation
// xi = [omega | translation] of the pose, evaluated at the camera-frame
// point pc = R*Pw + t. Since d(Pc)/d(xi) = [-[Pc]_x | I3] for the
// left-multiplicative update used by spatialmath.Pose.Retract, this is
// dPointJacobian * [-[Pc]_x | I3].
func poseJacobian(cam *camera.Model, pc spatialmath.Vec3) [2][6]float64 {
	dj := pointJacobian(cam, pc)

	// -[Pc]_x, the skew-symmetric cross-product matrix of Pc, negated.
	skewNeg := [3][3]float64{
		{0, pc.Z, -pc.Y},
		{-pc.Z, 0, pc.X},
		{pc.Y, -pc.X, 0},
	}

	var out [2][6]float64
	for row := 0; row < 2; row++ {
		// rotation columns (0..2): dj[row] . skewNeg columns
		for col := 0; col < 3; col++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += dj[row][k] * skewNeg[k][col]
			}
			out[row][col] = sum
		}
		// translation columns (3..5): dj[row] . I3
		out[row][3] = dj[row][0]
		out[row][4] = dj[row][1]
		out[row][5] = dj[row][2]
	}
	return out
}

// rotationArray extracts a pose's rotation as a plain [3][3]float64.
func rotationArray(pose spatialmath.Pose) [3][3]float64 {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = pose.R.At(i, j)
		}
	}
	return r
}

// worldPointJacobian returns d(u,v)/d(Pw), the 2x3 Jacobian of the pinhole
// projection with respect to the world-frame landmark position: the chain
// rule pointJacobian(pc) * R, since Pc = R*Pw + t.
func worldPointJacobian(cam *camera.Model, pose spatialmath.Pose, pc spatialmath.Vec3) [2][3]float64 {
	dj := pointJacobian(cam, pc)
	r := rotationArray(pose)

	var out [2][3]float64
	for row := 0; row < 2; row++ {
		for col := 0; col < 3; col++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += dj[row][k] * r[k][col]
			}
			out[row][col] = sum
		}
	}
	return out
}
