package mathx

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVec3EncodesAsArray(t *testing.T) {
	data, err := json.Marshal(V3(1, 0, -2.5))
	require.NoError(t, err)
	assert.Equal(t, `[1,0,-2.5]`, string(data))

	var v Vec3
	require.NoError(t, json.Unmarshal([]byte(`[3,4,5]`), &v))
	assert.Equal(t, V3(3, 4, 5), v)
}

func TestVec3NegativeZeroEncodesLikeZero(t *testing.T) {
	a, err := json.Marshal(V3(math.Copysign(0, -1), 0, 0))
	require.NoError(t, err)
	b, err := json.Marshal(V3(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestVec3RejectsWrongArity(t *testing.T) {
	var v Vec3
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &v))
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &v))
}

func TestMoveTowardsDoesNotOvershoot(t *testing.T) {
	got := V3(0, 0, 0).MoveTowards(V3(1, 0, 0), 5)
	assert.Equal(t, V3(1, 0, 0), got)

	got = V3(0, 0, 0).MoveTowards(V3(10, 0, 0), 2)
	assert.InDelta(t, 2, got.X, 1e-9)
}

func TestSlerpTakesShortestArc(t *testing.T) {
	a := Identity()
	b := AxisAngle(V3(0, 1, 0), math.Pi/2)
	mid := a.Slerp(b.neg(), 0.5)
	assert.InDelta(t, math.Pi/4, a.Angle(mid), 1e-9)

	assert.InDelta(t, 0, a.Slerp(b, 1).Angle(b), 1e-9)
	assert.InDelta(t, 0, a.Slerp(b, 0).Angle(a), 1e-9)
}

func TestQuatRoundTrip(t *testing.T) {
	q := AxisAngle(V3(0, 1, 0), 1)
	data, err := json.Marshal(q)
	require.NoError(t, err)
	var out Quat
	require.NoError(t, json.Unmarshal(data, &out))
	assert.InDelta(t, 0, q.Angle(out), 1e-9)
}
