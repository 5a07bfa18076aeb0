// Package dice provides the randomness behind dice rolls, task magnitudes and
// random picks in the flying chess rules.
package dice

// Faces is the number of faces on the game die.
const Faces = 6

// Task magnitude bounds, inclusive.
const (
	MinMagnitude = 3
	MaxMagnitude = 6
)

// Source is the randomness provider for the game.
//
// Implementations MUST be safe for concurrent use.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}
