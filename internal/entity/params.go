package entity

import "math"

const (
	ParamRotateYaw   = "rotate_yaw"
	ParamRotatePitch = "rotate_pitch"
	ParamRotateRoll  = "rotate_roll"
	ParamPupilX      = "pupil_x"
	ParamPupilY      = "pupil_y"
	ParamEyes        = "eyes"
	ParamEyebrow     = "eyebrow"
	ParamAAA         = "aaa"
	ParamEEE         = "eee"
)

// Params is the control parameter set understood by the reenactment model.
type Params map[string]float64

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overwritten by every key of other.
func (p Params) Merge(other Params) Params {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (p Params) Equal(other Params) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// FirstNonFinite returns the first key holding NaN or ±Inf.
func (p Params) FirstNonFinite() (string, bool) {
	for k, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return k, true
		}
	}
	return "", false
}
