package rangemap

// Range is a closed numeric interval used as either side of a mapping.
type Range struct {
	Min float64
	Max float64
}

// Map linearly maps value from [inMin, inMax] onto [outMin, outMax].
// Values outside the input interval are extrapolated, not clamped. When
// inMin == inMax the result is NaN or ±Inf and callers must check it.
func Map(value, inMin, inMax, outMin, outMax float64) float64 {
	return outMin + (value-inMin)/(inMax-inMin)*(outMax-outMin)
}

func (r Range) MapTo(value float64, out Range) float64 {
	return Map(value, r.Min, r.Max, out.Min, out.Max)
}
