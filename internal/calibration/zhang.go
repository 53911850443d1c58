package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

// rankTolerance is the relative singular value below which a linear system
// is treated as rank deficient.
const rankTolerance = 1e-10

// pose is the placement of the pattern in one camera: Xc = R*Xp + t.
type pose struct {
	R [9]float64
	T r3.Vec
}

// nullVector returns the right singular vector of the smallest singular
// value of a along with all singular values in decreasing order.
func nullVector(a *mat.Dense) ([]float64, []float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, c := v.Dims()
	return mat.Col(nil, c-1, &v), svd.Values(nil), true
}

// normalizer returns the similarity moving pts to their centroid and
// scaling them to a mean distance of sqrt(2).
func normalizer(pts []geometry.Point2) (*mat.Dense, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var dist float64
	for _, p := range pts {
		dist += math.Hypot(p.X-cx, p.Y-cy)
	}
	dist /= float64(len(pts))
	if dist == 0 {
		return nil, false
	}

	s := math.Sqrt2 / dist
	return mat.NewDense(3, 3, []float64{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}), true
}

func apply(h mat.Matrix, x, y float64) (float64, float64) {
	w := h.At(2, 0)*x + h.At(2, 1)*y + h.At(2, 2)
	return (h.At(0, 0)*x + h.At(0, 1)*y + h.At(0, 2)) / w,
		(h.At(1, 0)*x + h.At(1, 1)*y + h.At(1, 2)) / w
}

// homography estimates H with img ~ H*[X Y 1] by the normalized DLT.
func homography(obj []r3.Vec, img []geometry.Point2) (*mat.Dense, error) {
	n := len(obj)
	if n < 4 || len(img) != n {
		return nil, fmt.Errorf("%w: %d correspondences", ErrInsufficientData, n)
	}

	plane := make([]geometry.Point2, n)
	for i, p := range obj {
		plane[i] = geometry.Point2{X: p.X, Y: p.Y}
	}
	to, ok1 := normalizer(plane)
	ti, ok2 := normalizer(img)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: coincident points", ErrInsufficientData)
	}

	a := mat.NewDense(2*n, 9, nil)
	for i := range plane {
		x, y := apply(to, plane[i].X, plane[i].Y)
		u, v := apply(ti, img[i].X, img[i].Y)
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	h, sv, ok := nullVector(a)
	// Collinear points leave more than one null direction.
	if !ok || sv[7] < rankTolerance*sv[0] {
		return nil, fmt.Errorf("%w: degenerate homography", ErrInsufficientData)
	}

	var tiInv, tmp, hm mat.Dense
	if err := tiInv.Inverse(ti); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	tmp.Mul(&tiInv, mat.NewDense(3, 3, h))
	hm.Mul(&tmp, to)

	w := hm.At(2, 2)
	if math.Abs(w) < 1e-15 {
		return nil, fmt.Errorf("%w: degenerate homography", ErrInsufficientData)
	}
	hm.Scale(1/w, &hm)
	return &hm, nil
}

func vij(h mat.Matrix, i, j int) []float64 {
	hi := [3]float64{h.At(0, i), h.At(1, i), h.At(2, i)}
	hj := [3]float64{h.At(0, j), h.At(1, j), h.At(2, j)}
	return []float64{
		hi[0] * hj[0],
		hi[0]*hj[1] + hi[1]*hj[0],
		hi[1] * hj[1],
		hi[2]*hj[0] + hi[0]*hj[2],
		hi[2]*hj[1] + hi[1]*hj[2],
		hi[2] * hj[2],
	}
}

// intrinsics solves the camera matrix from at least three homographies
// with Zhang's closed form.
func intrinsics(hs []*mat.Dense, img [][]geometry.Point2) (*mat.Dense, error) {
	if len(hs) < 3 {
		return nil, fmt.Errorf("%w: %d views", ErrInsufficientData, len(hs))
	}

	// Condition the system by working in scaled pixel coordinates.
	var all []geometry.Point2
	for _, v := range img {
		all = append(all, v...)
	}
	var cx, cy, s float64
	for _, p := range all {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(all))
	cy /= float64(len(all))
	for _, p := range all {
		s = math.Max(s, math.Max(math.Abs(p.X-cx), math.Abs(p.Y-cy)))
	}
	if s == 0 {
		return nil, fmt.Errorf("%w: coincident corners", ErrInsufficientData)
	}
	n := mat.NewDense(3, 3, []float64{1 / s, 0, -cx / s, 0, 1 / s, -cy / s, 0, 0, 1})

	v := mat.NewDense(2*len(hs), 6, nil)
	for k, h := range hs {
		var hn mat.Dense
		hn.Mul(n, h)
		v12 := vij(&hn, 0, 1)
		v11 := vij(&hn, 0, 0)
		v22 := vij(&hn, 1, 1)
		for i := range v11 {
			v11[i] -= v22[i]
		}
		v.SetRow(2*k, v12)
		v.SetRow(2*k+1, v11)
	}

	b, sv, ok := nullVector(v)
	if !ok || sv[4] < rankTolerance*sv[0] {
		return nil, fmt.Errorf("%w: views do not constrain intrinsics", ErrInsufficientData)
	}
	if b[0] < 0 {
		for i := range b {
			b[i] = -b[i]
		}
	}
	b11, b12, b22, b13, b23, b33 := b[0], b[1], b[2], b[3], b[4], b[5]

	w := b11*b22 - b12*b12
	if w <= 0 || b11 <= 0 {
		return nil, fmt.Errorf("%w: ill-conditioned views", ErrInsufficientData)
	}
	v0 := (b12*b13 - b11*b23) / w
	lambda := b33 - (b13*b13+v0*(b12*b13-b11*b23))/b11
	if lambda <= 0 {
		return nil, fmt.Errorf("%w: ill-conditioned views", ErrInsufficientData)
	}
	alpha := math.Sqrt(lambda / b11)
	beta := math.Sqrt(lambda * b11 / w)
	gamma := -b12 * alpha * alpha * beta / lambda
	u0 := gamma*v0/beta - b13*alpha*alpha/lambda

	kn := mat.NewDense(3, 3, []float64{alpha, gamma, u0, 0, beta, v0, 0, 0, 1})
	nInv := mat.NewDense(3, 3, []float64{s, 0, cx, 0, s, cy, 0, 0, 1})
	var k mat.Dense
	k.Mul(nInv, kn)

	for _, x := range k.RawMatrix().Data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: ill-conditioned views", ErrInsufficientData)
		}
	}
	return &k, nil
}

// extrinsics recovers the pattern pose from its homography.
func extrinsics(k, h *mat.Dense) (pose, error) {
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return pose{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	ki := r3.NewMat(mat.DenseCopyOf(&kInv).RawMatrix().Data)

	col := func(j int) r3.Vec { return r3.Vec{X: h.At(0, j), Y: h.At(1, j), Z: h.At(2, j)} }
	a1 := ki.MulVec(col(0))
	norm := r3.Norm(a1)
	if norm == 0 {
		return pose{}, fmt.Errorf("%w: degenerate homography", ErrInsufficientData)
	}
	l := 1 / norm
	r1 := r3.Scale(l, a1)
	r2 := r3.Scale(l, ki.MulVec(col(1)))
	t := r3.Scale(l, ki.MulVec(col(2)))
	if t.Z < 0 {
		r1, r2, t = r3.Scale(-1, r1), r3.Scale(-1, r2), r3.Scale(-1, t)
	}
	r3v := r3.Cross(r1, r2)

	// Project onto the nearest rotation.
	q := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	var svd mat.SVD
	if !svd.Factorize(q, mat.SVDFull) {
		return pose{}, fmt.Errorf("%w: rotation", ErrInsufficientData)
	}
	var u, v, rot mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	rot.Mul(&u, v.T())

	var p pose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.R[i*3+j] = rot.At(i, j)
		}
	}
	p.T = t
	return p, nil
}

// radialDistortion estimates k1 and k2 by linear least squares against the
// ideal projections of every view.
func radialDistortion(k *mat.Dense, obj []r3.Vec, img [][]geometry.Point2, poses []pose) (float64, float64) {
	fx, skew, u0 := k.At(0, 0), k.At(0, 1), k.At(0, 2)
	fy, v0 := k.At(1, 1), k.At(1, 2)

	var rows, rhs []float64
	for v, pts := range img {
		r := r3.NewMat(poses[v].R[:])
		for i, X := range obj {
			pc := r3.Add(r.MulVec(X), poses[v].T)
			x, y := pc.X/pc.Z, pc.Y/pc.Z
			u := fx*x + skew*y + u0
			w := fy*y + v0
			r2 := x*x + y*y
			rows = append(rows, (u-u0)*r2, (u-u0)*r2*r2, (w-v0)*r2, (w-v0)*r2*r2)
			rhs = append(rhs, pts[i].X-u, pts[i].Y-w)
		}
	}
	if len(rhs) < 2 {
		return 0, 0
	}

	d := mat.NewDense(len(rhs), 2, rows)
	var sol mat.Dense
	if err := sol.Solve(d, mat.NewDense(len(rhs), 1, rhs)); err != nil {
		return 0, 0
	}
	k1, k2 := sol.At(0, 0), sol.At(1, 0)
	if math.IsNaN(k1) || math.IsNaN(k2) {
		return 0, 0
	}
	return k1, k2
}

// reprojectionError returns the sum of squared pixel errors and the number
// of points projected. Points behind the camera are not counted.
func reprojectionError(c CameraParameters, obj []r3.Vec, img []geometry.Point2) (float64, int) {
	var sum float64
	var n int
	for i, X := range obj {
		p, ok := c.Project(X)
		if !ok {
			continue
		}
		dx, dy := p.X-img[i].X, p.Y-img[i].Y
		sum += dx*dx + dy*dy
		n++
	}
	return sum, n
}
