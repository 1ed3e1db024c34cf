// Package optimizer adapts a sparse nonlinear least-squares solver
// (Gauss-Newton with a Schur-complemented, Cholesky-solved reduced camera
// system) to the pose/landmark bundle-adjustment problem the backend's
// local BA step needs.
//
// The reference stack wraps numerical solvers behind exactly this kind of
// narrow adapter (motionplan/ik.NloptIK: a struct holding solver state, an
// Add*-style builder, a Solve/Optimize entry point). go-nlopt itself is a
// black-box gradient minimizer with no per-edge Jacobian or marginalization
// hook, so it cannot expose the sparse block structure a BA problem needs;
// this adapter instead hand-rolls the normal equations over
// gonum.org/v1/gonum/mat, the same linear-algebra library
// rimage/transform/two_view_geom.go uses for its SVD-based essential-matrix
// geometry.
package optimizer

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/slamcore/camera"
	"go.viam.com/slamcore/spatialmath"
)

// PoseHandle references a pose vertex added to an Adapter.
type PoseHandle int

// MappointHandle references a mappoint vertex added to an Adapter.
type MappointHandle int

// RobustKernel down-weights edges with large residuals. The zero value
// (Delta == 0) applies no down-weighting.
type RobustKernel struct {
	Delta float64
}

// HuberKernel returns a Huber robust kernel with the given delta (the
// residual-norm threshold beyond which weighting falls off as 1/|r|).
func HuberKernel(delta float64) RobustKernel {
	return RobustKernel{Delta: delta}
}

// weight returns the Huber IRLS weight for a residual of the given norm.
func (k RobustKernel) weight(norm float64) float64 {
	if k.Delta <= 0 || norm <= k.Delta {
		return 1
	}
	return k.Delta / norm
}

type poseVertex struct {
	id    int64
	pose  spatialmath.Pose
	fixed bool
}

type mptVertex struct {
	id           int64
	pos          spatialmath.Vec3
	marginalized bool
}

// Edge is a reprojection constraint between a pose vertex and a mappoint
// vertex.
type Edge struct {
	pose     PoseHandle
	mpt      MappointHandle
	observed spatialmath.Vec2
	info     [2]float64
	kernel   RobustKernel
	level    int

	adapter *Adapter
}

// Chi2 returns this edge's current reprojection chi-square, computed from
// the vertices' present values.
func (e *Edge) Chi2() float64 {
	pv := e.adapter.poses[e.pose]
	mv := e.adapter.mpts[e.mpt]
	r := e.adapter.residual(pv, mv, e)
	return r[0]*r[0]*e.info[0] + r[1]*r[1]*e.info[1]
}

// SetLevel sets this edge's optimization level. Edges with level != 0 are
// ignored by subsequent Optimize calls.
func (e *Edge) SetLevel(level int) { e.level = level }

// Level returns this edge's current optimization level.
func (e *Edge) Level() int { return e.level }

// ClearRobustKernel disables robust down-weighting for this edge.
func (e *Edge) ClearRobustKernel() { e.kernel = RobustKernel{} }

// Adapter owns the vertex/edge graph for one bundle-adjustment problem.
// Not thread-safe: it runs entirely on the backend worker goroutine.
type Adapter struct {
	logger golog.Logger
	cam    *camera.Model

	poses []*poseVertex
	mpts  []*mptVertex
	edges []*Edge
}

// NewAdapter constructs an empty optimizer bound to a single shared camera
// model (the RGB-D sensor intrinsics all keyframes in this problem share).
func NewAdapter(logger golog.Logger, cam *camera.Model) *Adapter {
	if logger == nil {
		logger = golog.NewDevelopmentLogger("optimizer")
	}
	return &Adapter{logger: logger, cam: cam}
}

// AddPoseVertex adds a 6-DoF camera pose vertex, returning a handle for use
// in AddProjectionEdge.
func (a *Adapter) AddPoseVertex(id int64, initial spatialmath.Pose, fixed bool) PoseHandle {
	a.poses = append(a.poses, &poseVertex{id: id, pose: initial, fixed: fixed})
	return PoseHandle(len(a.poses) - 1)
}

// AddMappointVertex adds a 3-DoF landmark vertex flagged for Schur-
// complement marginalization, returning a handle for use in
// AddProjectionEdge.
func (a *Adapter) AddMappointVertex(id int64, initial spatialmath.Vec3, marginalized bool) MappointHandle {
	a.mpts = append(a.mpts, &mptVertex{id: id, pos: initial, marginalized: marginalized})
	return MappointHandle(len(a.mpts) - 1)
}

// AddProjectionEdge adds a reprojection constraint between a pose and a
// mappoint vertex.
func (a *Adapter) AddProjectionEdge(pose PoseHandle, mpt MappointHandle, observed spatialmath.Vec2, info [2]float64, kernel RobustKernel) *Edge {
	e := &Edge{pose: pose, mpt: mpt, observed: observed, info: info, kernel: kernel, adapter: a}
	a.edges = append(a.edges, e)
	return e
}

// PoseValue returns the current estimate for a pose vertex.
func (a *Adapter) PoseValue(h PoseHandle) spatialmath.Pose { return a.poses[h].pose }

// MappointValue returns the current estimate for a mappoint vertex.
func (a *Adapter) MappointValue(h MappointHandle) spatialmath.Vec3 { return a.mpts[h].pos }

// PoseID returns the keyframe id a pose vertex was constructed with.
func (a *Adapter) PoseID(h PoseHandle) int64 { return a.poses[h].id }

// MappointID returns the mappoint id a vertex was constructed with.
func (a *Adapter) MappointID(h MappointHandle) int64 { return a.mpts[h].id }

// Edges returns all edges currently in the graph.
func (a *Adapter) Edges() []*Edge { return a.edges }

// Clear releases all vertices and edges, resetting the adapter to empty.
func (a *Adapter) Clear() {
	a.poses = nil
	a.mpts = nil
	a.edges = nil
}

// residual computes π(K·T_c_w·P) − observed for one edge given its
// vertices' current values.
func (a *Adapter) residual(pv *poseVertex, mv *mptVertex, e *Edge) [2]float64 {
	pc := pv.pose.Transform(mv.pos)
	proj := project(a.cam, pc)
	return [2]float64{proj.X - e.observed.X, proj.Y - e.observed.Y}
}

// Optimize runs the given number of Gauss-Newton iterations over the free
// (non-fixed) pose vertices and all mappoint vertices, using a Schur
// complement to eliminate the (3-DoF, block-diagonal) landmark blocks
// before solving the reduced 6-DoF-per-pose camera system via Cholesky
// factorization — the "sparse Cholesky inner solver" the adapter contract
// calls for, applied to the dense-but-block-structured reduced system a
// local bundle-adjustment window is small enough to hold directly. When no
// pose vertex is free, Optimize returns nil at once and no vertex, pose or
// mappoint, is changed.
func (a *Adapter) Optimize(iterations int) error {
	freeIdx := make(map[int]int) // pose slice index -> free-pose column index
	nFree := 0
	for i, pv := range a.poses {
		if !pv.fixed {
			freeIdx[i] = nFree
			nFree++
		}
	}
	if nFree == 0 {
		return nil
	}

	dim := 6 * nFree
	for iter := 0; iter < iterations; iter++ {
		U := mat.NewDense(dim, dim, nil)
		bPose := mat.NewVecDense(dim, nil)

		type pointAccum struct {
			V [3][3]float64
			b [3]float64
			W map[int][6][3]float64 // free-pose column index -> 6x3 cross block
		}
		accum := make(map[int]*pointAccum, len(a.mpts))

		for _, e := range a.edges {
			if e.level != 0 {
				continue
			}
			pv := a.poses[e.pose]
			mv := a.mpts[e.mpt]
			r := a.residual(pv, mv, e)
			norm := math.Sqrt(r[0]*r[0] + r[1]*r[1])
			w := e.kernel.weight(norm)

			pc := pv.pose.Transform(mv.pos)
			jPoint := worldPointJacobian(a.cam, pv.pose, pc)

			info0 := e.info[0] * w
			info1 := e.info[1] * w

			pa, ok := accum[int(e.mpt)]
			if !ok {
				pa = &pointAccum{W: make(map[int][6][3]float64)}
				accum[int(e.mpt)] = pa
			}
			// V += Jp^T Info Jp, bq += -Jp^T Info r
			for row := 0; row < 3; row++ {
				for col := 0; col < 3; col++ {
					pa.V[row][col] += jPoint[0][row]*info0*jPoint[0][col] + jPoint[1][row]*info1*jPoint[1][col]
				}
				pa.b[row] += -(jPoint[0][row]*info0*r[0] + jPoint[1][row]*info1*r[1])
			}

			colIdx, free := freeIdx[int(e.pose)]
			if !free {
				continue
			}
			jPose := poseJacobian(a.cam, pc)

			// U block for this pose (diagonal, 6x6) += Jpose^T Info Jpose
			base := colIdx * 6
			for row := 0; row < 6; row++ {
				for col := 0; col < 6; col++ {
					v := jPose[0][row]*info0*jPose[0][col] + jPose[1][row]*info1*jPose[1][col]
					U.Set(base+row, base+col, U.At(base+row, base+col)+v)
				}
				bPose.SetVec(base+row, bPose.AtVec(base+row)-(jPose[0][row]*info0*r[0]+jPose[1][row]*info1*r[1]))
			}

			// W block (6x3): Jpose^T Info Jpoint
			var w63 [6][3]float64
			for row := 0; row < 6; row++ {
				for col := 0; col < 3; col++ {
					w63[row][col] = jPose[0][row]*info0*jPoint[0][col] + jPose[1][row]*info1*jPoint[1][col]
				}
			}
			existing := pa.W[colIdx]
			for row := 0; row < 6; row++ {
				for col := 0; col < 3; col++ {
					existing[row][col] += w63[row][col]
				}
			}
			pa.W[colIdx] = existing
		}

		// Schur complement: subtract W V^-1 W^T from U and W V^-1 bq from bPose.
		for _, pa := range accum {
			vInv, ok := invert3x3(pa.V)
			if !ok {
				continue
			}
			vInvB := mulMat3Vec3(vInv, pa.b)

			for colA, wA := range pa.W {
				// bPose[colA] -= wA * vInv * bq
				contrib := mulMat63Vec3(wA, vInvB)
				for row := 0; row < 6; row++ {
					bPose.SetVec(colA*6+row, bPose.AtVec(colA*6+row)-contrib[row])
				}
				for colB, wB := range pa.W {
					block := mulSchurBlock(wA, vInv, wB)
					for row := 0; row < 6; row++ {
						for col := 0; col < 6; col++ {
							U.Set(colA*6+row, colB*6+col, U.At(colA*6+row, colB*6+col)-block[row][col])
						}
					}
				}
			}
		}

		var chol mat.Cholesky
		var dxPose *mat.VecDense
		if ok := chol.Factorize(mat.NewSymDense(dim, denseToSlice(U, dim))); ok {
			var dx mat.VecDense
			if err := chol.SolveVecTo(&dx, bPose); err != nil {
				return errors.Wrap(err, "optimizer: cholesky solve failed")
			}
			dxPose = &dx
		} else {
			// Reduced system not SPD this iteration (degenerate configuration);
			// fall back to a plain linear solve rather than aborting the pass.
			var dx mat.VecDense
			if err := dx.SolveVec(U, bPose); err != nil {
				return errors.Wrap(err, "optimizer: normal-equation solve failed")
			}
			dxPose = &dx
		}

		// Apply pose updates.
		for i, pv := range a.poses {
			colIdx, free := freeIdx[i]
			if !free {
				continue
			}
			var xi [6]float64
			for k := 0; k < 6; k++ {
				xi[k] = dxPose.AtVec(colIdx*6 + k)
			}
			pv.pose = pv.pose.Retract(xi)
		}

		// Back-substitute point updates: dx_q = V^-1 (bq - sum_pose W_pq^T dx_pose).
		for mptIdx, pa := range accum {
			vInv, ok := invert3x3(pa.V)
			if !ok {
				continue
			}
			rhs := pa.b
			for colIdx, w := range pa.W {
				var dxp [6]float64
				for k := 0; k < 6; k++ {
					dxp[k] = dxPose.AtVec(colIdx*6 + k)
				}
				sub := mulMat63TVec6(w, dxp)
				for k := 0; k < 3; k++ {
					rhs[k] -= sub[k]
				}
			}
			dxq := mulMat3Vec3(vInv, rhs)
			mv := a.mpts[mptIdx]
			mv.pos = spatialmath.Add(mv.pos, spatialmath.NewVec3(dxq[0], dxq[1], dxq[2]))
		}
	}
	return nil
}

func denseToSlice(m *mat.Dense, dim int) []float64 {
	out := make([]float64, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			out[i*dim+j] = m.At(i, j)
		}
	}
	return out
}

func invert3x3(m [3][3]float64) ([3][3]float64, bool) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-15 {
		return [3][3]float64{}, false
	}
	invDet := 1 / det
	var out [3][3]float64
	out[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) * invDet
	out[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) * invDet
	out[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) * invDet
	out[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) * invDet
	out[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) * invDet
	out[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) * invDet
	out[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) * invDet
	out[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) * invDet
	out[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) * invDet
	return out, true
}

func mulMat3Vec3(m [3][3]float64, v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
	return out
}

func mulMat63Vec3(m [6][3]float64, v [3]float64) [6]float64 {
	var out [6]float64
	for i := 0; i < 6; i++ {
		out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
	return out
}

func mulMat63TVec6(m [6][3]float64, v [6]float64) [3]float64 {
	var out [3]float64
	for col := 0; col < 3; col++ {
		var sum float64
		for row := 0; row < 6; row++ {
			sum += m[row][col] * v[row]
		}
		out[col] = sum
	}
	return out
}

// mulSchurBlock computes wA * vInv * wB^T, a 6x6 block.
func mulSchurBlock(wA [6][3]float64, vInv [3][3]float64, wB [6][3]float64) [6][6]float64 {
	var tmp [6][3]float64
	for i := 0; i < 6; i++ {
		for j := 0; j < 3; j++ {
			tmp[i][j] = wA[i][0]*vInv[0][j] + wA[i][1]*vInv[1][j] + wA[i][2]*vInv[2][j]
		}
	}
	var out [6][6]float64
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[i][j] = tmp[i][0]*wB[j][0] + tmp[i][1]*wB[j][1] + tmp[i][2]*wB[j][2]
		}
	}
	return out
}
