package dice

import "go.uber.org/zap"

// Roller draws game randomness from a Source and logs every draw at debug level.
type Roller struct {
	src    Source
	logger *zap.Logger
}

// NewRoller creates a Roller over src.
//
// Precondition: src and logger must be non-nil.
func NewRoller(src Source, logger *zap.Logger) *Roller {
	return &Roller{src: src, logger: logger}
}

// D6 rolls the game die.
//
// Postcondition: Returns a value in [1, Faces].
func (r *Roller) D6() int {
	v := r.src.Intn(Faces) + 1
	r.logger.Debug("dice roll", zap.Int("value", v))
	return v
}

// Magnitude draws the number of steps a resolved task moves its executors.
//
// Postcondition: Returns a value in [MinMagnitude, MaxMagnitude].
func (r *Roller) Magnitude() int {
	v := MinMagnitude + r.src.Intn(MaxMagnitude-MinMagnitude+1)
	r.logger.Debug("task magnitude", zap.Int("value", v))
	return v
}

// Pick returns a uniformly chosen index in [0, n).
//
// Precondition: n > 0.
func (r *Roller) Pick(n int) int {
	return r.src.Intn(n)
}
