package dice_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/flyingchess/internal/game/dice"
)

// TestCryptoSource_Intn_InRange verifies every value returned by Intn(6) is in [0, 6).
func TestCryptoSource_Intn_InRange(t *testing.T) {
	src := dice.NewCryptoSource()
	for i := 0; i < 1000; i++ {
		v := src.Intn(6)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 6)
	}
}

func TestCryptoSource_Intn_PanicsOnZero(t *testing.T) {
	src := dice.NewCryptoSource()
	assert.Panics(t, func() { src.Intn(0) })
}

func TestSequenceSource_Cycles(t *testing.T) {
	src := dice.NewSequenceSource(2, 5, 7)
	assert.Equal(t, 2, src.Intn(6))
	assert.Equal(t, 5, src.Intn(6))
	assert.Equal(t, 1, src.Intn(6))
	assert.Equal(t, 2, src.Intn(6))
	assert.Panics(t, func() { dice.NewSequenceSource() })
}

func TestRoller_D6AndMagnitude_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		raw := rapid.IntRange(0, 1000).Draw(rt, "raw")
		r := dice.NewRoller(dice.NewSequenceSource(raw), zaptest.NewLogger(t))
		d := r.D6()
		if d < 1 || d > dice.Faces {
			rt.Fatalf("D6 out of range: %d", d)
		}
		m := r.Magnitude()
		if m < dice.MinMagnitude || m > dice.MaxMagnitude {
			rt.Fatalf("magnitude out of range: %d", m)
		}
	})
}

func TestRoller_ScriptedValues(t *testing.T) {
	r := dice.NewRoller(dice.NewSequenceSource(3, 0, 1), zaptest.NewLogger(t))
	assert.Equal(t, 4, r.D6())
	assert.Equal(t, dice.MinMagnitude, r.Magnitude())
	assert.Equal(t, 1, r.Pick(3))
}
