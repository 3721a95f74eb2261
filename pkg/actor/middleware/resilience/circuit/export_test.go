package circuit

// NewWithClock exposes newWithClock to the external circuit_test package.
var NewWithClock = newWithClock
