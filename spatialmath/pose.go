package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid transform (element of SE(3)): a 3x3 rotation matrix plus a
// translation. Represented densely with gonum/mat rather than the reference
// stack's own DualQuaternion representation, because the optimizer's
// analytical reprojection Jacobians (see optimizer/jacobian.go) are
// naturally expressed against a rotation matrix and would otherwise need an
// extra conversion at every Jacobian evaluation.
type Pose struct {
	R *mat.Dense // 3x3 rotation
	T Vec3       // translation
}

// NewPose constructs a Pose from a row-major 3x3 rotation slice and a
// translation. A nil rotation slice yields identity rotation.
func NewPose(rot []float64, t Vec3) Pose {
	if rot == nil {
		rot = []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	return Pose{R: mat.NewDense(3, 3, append([]float64(nil), rot...)), T: t}
}

// Identity returns the identity transform.
func Identity() Pose {
	return NewPose(nil, Vec3{})
}

func (p Pose) cloneR() *mat.Dense {
	var r mat.Dense
	r.CloneFrom(p.R)
	return &r
}

// Transform applies this pose to a point: p_out = R*p_in + T. When Pose
// represents T_c_w (world-to-camera), Transform maps a world point into the
// camera frame.
func (p Pose) Transform(v Vec3) Vec3 {
	rv := matVec(p.R, v)
	return Add(rv, p.T)
}

// Inverse returns the inverse rigid transform.
func (p Pose) Inverse() Pose {
	var rt mat.Dense
	rt.CloneFrom(p.R.T())
	negRT := matVec(&rt, p.T)
	return Pose{R: &rt, T: NewVec3(-negRT.X, -negRT.Y, -negRT.Z)}
}

// Compose returns the pose equivalent to applying p first, then q:
// (q ∘ p)(x) = q(p(x)).
func Compose(q, p Pose) Pose {
	var r mat.Dense
	r.Mul(q.R, p.R)
	t := Add(matVec(q.R, p.T), q.T)
	return Pose{R: &r, T: t}
}

// matVec multiplies a 3x3 matrix by a Vec3.
func matVec(m *mat.Dense, v Vec3) Vec3 {
	x := m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z
	y := m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z
	z := m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z
	return NewVec3(x, y, z)
}

// skew returns the 3x3 skew-symmetric cross-product matrix of v.
func skew(v Vec3) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// Retract applies a left-multiplicative se(3) perturbation xi = [omega |
// delta] (omega: so(3) rotation vector, delta: translation) to this pose via
// Rodrigues' formula: T_new = exp(xi) * T. Used by the optimizer's
// Gauss-Newton update step.
func (p Pose) Retract(xi [6]float64) Pose {
	omega := NewVec3(xi[0], xi[1], xi[2])
	delta := NewVec3(xi[3], xi[4], xi[5])
	theta := math.Sqrt(omega.X*omega.X + omega.Y*omega.Y + omega.Z*omega.Z)

	var expR mat.Dense
	expR.CloneFrom(eye3())
	if theta > 1e-12 {
		k := skew(omega)
		var k2 mat.Dense
		k2.Mul(k, k)

		var term1, term2 mat.Dense
		term1.Scale(math.Sin(theta)/theta, k)
		term2.Scale((1-math.Cos(theta))/(theta*theta), &k2)

		expR.Add(&expR, &term1)
		expR.Add(&expR, &term2)
	}

	deltaPose := Pose{R: &expR, T: delta}
	return Compose(deltaPose, p)
}

// Log returns the se(3) tangent-space representation [omega | t] of this
// pose: the rotation vector via the matrix logarithm and the raw
// translation. Approximately the inverse of Retract at the identity.
func (p Pose) Log() [6]float64 {
	trace := p.R.At(0, 0) + p.R.At(1, 1) + p.R.At(2, 2)
	cosTheta := (trace - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	var omega Vec3
	if theta < 1e-12 {
		omega = Vec3{}
	} else {
		scale := theta / (2 * math.Sin(theta))
		omega = NewVec3(
			(p.R.At(2, 1)-p.R.At(1, 2))*scale,
			(p.R.At(0, 2)-p.R.At(2, 0))*scale,
			(p.R.At(1, 0)-p.R.At(0, 1))*scale,
		)
	}
	return [6]float64{omega.X, omega.Y, omega.Z, p.T.X, p.T.Y, p.T.Z}
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
