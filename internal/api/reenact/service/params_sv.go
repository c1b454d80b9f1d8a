package reenactService

import (
	"FacePoke/internal/entity"
	"FacePoke/pkg/rangemap"
)

// Input windows for the pointer vector. The head-follow window is tighter so
// that a small cursor move produces a visible rotation.
var (
	generalControl = rangemap.Range{Min: -0.30, Max: 0.30}
	pupilControl   = rangemap.Range{Min: -0.50, Max: 0.50}
	eyeControl     = rangemap.Range{Min: -0.50, Max: 0.50}
)

// Output bounds accepted by the reenactment model.
var (
	yawRange     = rangemap.Range{Min: -40, Max: 40}
	pitchRange   = rangemap.Range{Min: -40, Max: 40}
	rollRange    = rangemap.Range{Min: -40, Max: 40}
	pupilXRange  = rangemap.Range{Min: -15, Max: 15}
	pupilYRange  = rangemap.Range{Min: -2, Max: 8}
	eyesRange    = rangemap.Range{Min: -20, Max: 5}
	eyebrowRange = rangemap.Range{Min: -10, Max: 15}
	aaaRange     = rangemap.Range{Min: -30, Max: 120}
	eeeRange     = rangemap.Range{Min: -20, Max: 15}
)

// ComputeParams maps one gesture onto the control parameters, merged over
// previous. It returns previous and false when there is nothing to send:
// an unrecognized landmark group or a non-finite result.
func ComputeParams(
	landmark entity.ClosestLandmark,
	vector entity.Vector,
	mode entity.InteractionMode,
	previous entity.Params,
	flags entity.CursorFlags,
) (entity.Params, bool) {
	params := previous.Clone()

	if flags.FollowCursor {
		// x is inverted: moving right yaws the head towards the viewer's right
		params[entity.ParamRotateYaw] = generalControl.MapTo(-vector.X, yawRange)
		params[entity.ParamRotatePitch] = generalControl.MapTo(vector.Y, pitchRange)
	}

	if flags.GazeAtCursor {
		params[entity.ParamPupilX] = pupilControl.MapTo(vector.X, pupilXRange)
		params[entity.ParamPupilY] = pupilControl.MapTo(-vector.Y, pupilYRange)
	}

	if mode != entity.ModeHovering {
		switch landmark.Group {
		case entity.GroupLeftEye, entity.GroupRightEye:
			params[entity.ParamPupilX] = pupilControl.MapTo(vector.X, pupilXRange)
			params[entity.ParamEyes] = eyeControl.MapTo(-vector.Y, eyesRange)
		case entity.GroupLeftEyebrow, entity.GroupRightEyebrow:
			params[entity.ParamEyebrow] = eyeControl.MapTo(-vector.Y, eyebrowRange)
		case entity.GroupLips:
			params[entity.ParamAAA] = eyeControl.MapTo(-vector.Y, aaaRange)
			params[entity.ParamEEE] = eyeControl.MapTo(vector.X, eeeRange)
		case entity.GroupFaceOval:
			params[entity.ParamRotateRoll] = eyeControl.MapTo(vector.X, rollRange)
		case entity.GroupBackground:
			params[entity.ParamRotateYaw] = generalControl.MapTo(-vector.X, yawRange)
			params[entity.ParamRotatePitch] = eyeControl.MapTo(vector.Y, pitchRange)
		default:
			return previous, false
		}
	}

	if _, bad := params.FirstNonFinite(); bad {
		return previous, false
	}

	return params, true
}
