package alea

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMashVectors(t *testing.T) {
	m := newMash()
	assert.InDelta(t, 0.8633289230056107, m.hash([]byte(" ")), 1e-15)
	assert.InDelta(t, 0.15019597788341343, m.hash([]byte(" ")), 1e-15)
	assert.InDelta(t, 0.9176952994894236, m.hash([]byte(" ")), 1e-15)
}

func TestAleaSeedState(t *testing.T) {
	a := New("my", 3, "seeds")
	c, s0, s1, s2 := a.State()
	assert.Equal(t, float64(1), c)
	assert.InDelta(t, 0.23922116006724536, s0, 1e-15)
	assert.InDelta(t, 0.6147655111271888, s1, 1e-15)
	assert.InDelta(t, 0.3493568613193929, s2, 1e-15)
}

func TestAleaDraws(t *testing.T) {
	a := New("my", 3, "seeds")
	assert.InDelta(t, 0.30802189325913787, a.Next(), 1e-15)
	assert.InDelta(t, 0.5190450621303171, a.Next(), 1e-15)
	assert.InDelta(t, 0.43635262292809784, a.Next(), 1e-15)
}

func TestAleaDeterministic(t *testing.T) {
	a := New("my", 3, "seeds")
	first := a.Next()

	b := New("my", 3, "seeds")
	second := b.Next()

	assert.Equal(t, first, second)
}

func TestAleaRandomStringVectors(t *testing.T) {
	a := New("my", 3, "seeds")
	want := []string{
		"JYRduBwQtjpeCkqP7",
		"HLxYtpZBtSain84zj",
		"s9XrbWaDC4yCL5NCW",
		"SCiymgNnZpwda9vSH",
		"hui3ThSoZrFrdFDTT",
	}
	for _, w := range want {
		assert.Equal(t, w, a.RandomString(17, Unmistakable))
	}
}

func TestAleaIDLength(t *testing.T) {
	a := New("seed")
	id := a.ID()
	assert.Len(t, id, 17)
	for _, r := range id {
		assert.Contains(t, Unmistakable, string(r))
	}
}

func TestStreamNamespaceIsolation(t *testing.T) {
	s1 := NewStream("connection-abc")
	s2 := NewStream("connection-abc")

	assert.Equal(t, s1.NewID("todos"), s2.NewID("todos"))
	assert.NotEqual(t, s1.For("todos").Next(), s1.For("lists").Next())
}
