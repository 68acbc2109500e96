package l2scene

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthpose/internal/depth/l1transform"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestContactPlanesNormals(t *testing.T) {
	dims := l1transform.Vec3{1, 2, 3}
	planes := ContactPlanes(dims)

	wantNormal := [NumFaces]l1transform.Vec3{
		{0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}, {-1, 0, 0}, {1, 0, 0},
	}
	wantCentre := [NumFaces]l1transform.Vec3{
		{0, 1, 0}, {0, -1, 0}, {0, 0, 1.5}, {0, 0, -1.5}, {-0.5, 0, 0}, {0.5, 0, 0},
	}
	for i, p := range planes {
		assert.True(t, l1transform.IsValidTransformMatrix(p), "face %d", i)
		if diff := cmp.Diff(wantNormal[i], p.Column(2), approx); diff != "" {
			t.Errorf("face %d normal (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(wantCentre[i], p.Translation(), approx); diff != "" {
			t.Errorf("face %d centre (-want +got):\n%s", i, diff)
		}
	}
}

func TestNewBox(t *testing.T) {
	b, err := NewBox(l1transform.Vec3{1, 2, 3})
	require.NoError(t, err)

	// Every face's half-extents cover the two dims orthogonal to its normal.
	for i := range b.Planes {
		n := b.Planes[i].Column(2)
		var others []float64
		for k := 0; k < 3; k++ {
			if math.Abs(n[k]) < 0.5 {
				others = append(others, b.Dims[k]/2)
			}
		}
		got := []float64{b.HalfExtents[i][0], b.HalfExtents[i][1]}
		assert.ElementsMatch(t, others, roundAll(got), "face %d", i)
	}

	_, err = NewBox(l1transform.Vec3{1, 0, 1})
	assert.ErrorIs(t, err, ErrInvalidShape)
	_, err = NewBox(l1transform.Vec3{1, math.NaN(), 1})
	assert.ErrorIs(t, err, ErrInvalidShape)
	_, err = NewSphere(-0.1)
	assert.ErrorIs(t, err, ErrInvalidShape)
	assert.Panics(t, func() { MustNewBox(l1transform.Vec3{-1, 1, 1}) })
}

func roundAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Round(x*1e9) / 1e9
	}
	return out
}

func TestSurfacePointsLieOnBox(t *testing.T) {
	b, err := NewCube(0.5)
	require.NoError(t, err)
	pts := b.SurfacePoints(4)
	require.Len(t, pts, NumFaces*16)
	for _, p := range pts {
		maxAbs := math.Max(math.Abs(p[0]), math.Max(math.Abs(p[1]), math.Abs(p[2])))
		assert.InDelta(t, 0.25, maxAbs, 1e-9)
	}
}

func TestBoxFromPointCloud(t *testing.T) {
	b := MustNewBox(l1transform.Vec3{0.4, 0.6, 0.8})
	offset := l1transform.FromTranslation(l1transform.Vec3{1, -2, 3})
	cloud := l1transform.Apply(b.SurfacePoints(3), offset)

	fitted, pose, err := BoxFromPointCloud(cloud)
	require.NoError(t, err)
	if diff := cmp.Diff(b.Dims, fitted.Dims, approx); diff != "" {
		t.Errorf("dims (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(offset, pose, approx); diff != "" {
		t.Errorf("pose (-want +got):\n%s", diff)
	}

	_, _, err = BoxFromPointCloud(nil)
	assert.ErrorIs(t, err, ErrEmptyCloud)

	flat := []l1transform.Vec3{{0, 0, 0}, {1, 1, 0}}
	_, _, err = BoxFromPointCloud(flat)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestBoundingBox(t *testing.T) {
	// Each axis extreme comes from a different point.
	cloud := []l1transform.Vec3{{-1, 0.5, 2}, {3, -2, 0}, {0, 4, -1}, {0.5, 0, 5}}
	dims, pose, err := BoundingBox(cloud)
	require.NoError(t, err)
	assert.Equal(t, l1transform.Vec3{4, 6, 6}, dims)
	assert.Equal(t, l1transform.FromTranslation(l1transform.Vec3{1, 1, 2}), pose)

	dims, pose, err = BoundingBox([]l1transform.Vec3{{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, l1transform.Vec3{}, dims)
	assert.Equal(t, l1transform.Vec3{1, 2, 3}, pose.Translation())
}

func TestCorners(t *testing.T) {
	b := MustNewBox(l1transform.Vec3{2, 4, 6})
	seen := map[l1transform.Vec3]bool{}
	for _, c := range b.Corners() {
		assert.Equal(t, 1.0, math.Abs(c[0]))
		assert.Equal(t, 2.0, math.Abs(c[1]))
		assert.Equal(t, 3.0, math.Abs(c[2]))
		seen[c] = true
	}
	assert.Len(t, seen, 8)
}

func TestRelativePoseFromContactStacksCubes(t *testing.T) {
	unit := l1transform.Vec3{1, 1, 1}

	tests := []struct {
		name    string
		contact Contact
		want    l1transform.Vec3
	}{
		{"centred", Contact{}, l1transform.Vec3{0, 1, 0}},
		{"offset along x", Contact{X: 0.2}, l1transform.Vec3{0.2, 1, 0}},
		{"rotated in place", Contact{Angle: 0.6}, l1transform.Vec3{0, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, err := RelativePoseFromContact(unit, unit, FaceTop, FaceBottom, tt.contact)
			require.NoError(t, err)
			require.True(t, l1transform.IsValidTransformMatrix(rel))
			if diff := cmp.Diff(tt.want, rel.Translation(), approx); diff != "" {
				t.Errorf("child centre (-want +got):\n%s", diff)
			}
			// The child's bottom face must point down onto the parent's top.
			down := rel.Rotation().MulVec(l1transform.Vec3{0, -1, 0})
			if diff := cmp.Diff(l1transform.Vec3{0, -1, 0}, down, approx); diff != "" {
				t.Errorf("child bottom normal (-want +got):\n%s", diff)
			}
		})
	}

	_, err := RelativePoseFromContact(unit, unit, 6, 0, Contact{})
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func TestGraphSolve(t *testing.T) {
	unit := l1transform.Vec3{1, 1, 1}
	root := l1transform.FromTranslation(l1transform.Vec3{0, 0, 5})

	var g Graph
	table := g.AddRoot(l1transform.Vec3{2, 1, 2}, root)
	box := g.AddChild(table, unit, FaceTop, FaceBottom, Contact{})
	top := g.AddChild(box, unit, FaceTop, FaceBottom, Contact{})
	loose := g.AddRoot(unit, l1transform.Identity())

	poses, err := g.Solve()
	require.NoError(t, err)
	require.Len(t, poses, 4)

	assert.Equal(t, root, poses[table])
	assert.Equal(t, l1transform.Identity(), poses[loose])
	if diff := cmp.Diff(l1transform.Vec3{0, 1, 5}, poses[box].Translation(), approx); diff != "" {
		t.Errorf("box centre (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(l1transform.Vec3{0, 2, 5}, poses[top].Translation(), approx); diff != "" {
		t.Errorf("top centre (-want +got):\n%s", diff)
	}
}

func TestGraphSolveOrderIndependent(t *testing.T) {
	unit := l1transform.Vec3{1, 1, 1}
	// Children listed before their parents still settle.
	g := Graph{Nodes: []Node{
		{Dims: unit, Parent: 1, ParentFace: FaceTop, ChildFace: FaceBottom},
		{Dims: unit, Parent: 2, ParentFace: FaceTop, ChildFace: FaceBottom},
		{Dims: unit, Pose: l1transform.Identity(), Parent: NoParent},
	}}
	poses, err := g.Solve()
	require.NoError(t, err)
	if diff := cmp.Diff(l1transform.Vec3{0, 2, 0}, poses[0].Translation(), approx); diff != "" {
		t.Errorf("leaf centre (-want +got):\n%s", diff)
	}
}

func TestGraphValidate(t *testing.T) {
	unit := l1transform.Vec3{1, 1, 1}

	cycle := Graph{Nodes: []Node{
		{Dims: unit, Parent: 1},
		{Dims: unit, Parent: 0},
	}}
	_, err := cycle.Solve()
	assert.ErrorIs(t, err, ErrCycle)

	self := Graph{Nodes: []Node{{Dims: unit, Parent: 0}}}
	assert.ErrorIs(t, self.Validate(), ErrInvalidEdge)

	dangling := Graph{Nodes: []Node{{Dims: unit, Parent: 7}}}
	assert.ErrorIs(t, dangling.Validate(), ErrInvalidEdge)

	sheared := l1transform.FromTranslation(l1transform.Vec3{0, 0, 2})
	sheared[0], sheared[1] = 2, 0.7
	skewedRoot := Graph{Nodes: []Node{
		{Dims: unit, Pose: sheared, Parent: NoParent},
		{Dims: unit, Parent: 0, ParentFace: FaceTop, ChildFace: FaceBottom},
	}}
	_, err = skewedRoot.Solve()
	assert.ErrorIs(t, err, l1transform.ErrInvalidPose)

	badFace := Graph{Nodes: []Node{
		{Dims: unit, Pose: l1transform.Identity(), Parent: NoParent},
		{Dims: unit, Parent: 0, ParentFace: 9},
	}}
	assert.ErrorIs(t, badFace.Validate(), ErrInvalidEdge)
}

func TestBoundingRadius(t *testing.T) {
	shapes := []Shape{MustNewBox(l1transform.Vec3{2, 3, 6}), Sphere{Radius: 0.4}}
	assert.InDelta(t, 3.5, shapes[0].BoundingRadius(), 1e-12)
	assert.InDelta(t, 0.4, shapes[1].BoundingRadius(), 1e-12)
}
