package entity

// LandmarkGroup names the anatomical region a gesture is anchored to.
type LandmarkGroup string

const (
	GroupLeftEye      LandmarkGroup = "leftEye"
	GroupRightEye     LandmarkGroup = "rightEye"
	GroupLeftEyebrow  LandmarkGroup = "leftEyebrow"
	GroupRightEyebrow LandmarkGroup = "rightEyebrow"
	GroupLips         LandmarkGroup = "lips"
	GroupFaceOval     LandmarkGroup = "faceOval"
	GroupBackground   LandmarkGroup = "background"
)

var LandmarkGroups = []LandmarkGroup{
	GroupLeftEye,
	GroupRightEye,
	GroupLeftEyebrow,
	GroupRightEyebrow,
	GroupLips,
	GroupFaceOval,
	GroupBackground,
}

func (g LandmarkGroup) Known() bool {
	for _, known := range LandmarkGroups {
		if g == known {
			return true
		}
	}
	return false
}

func (g LandmarkGroup) String() string {
	return string(g)
}

// InteractionMode tells whether the pointer is hovering or pressed.
type InteractionMode string

const (
	ModeHovering  InteractionMode = "HOVERING"
	ModePrimary   InteractionMode = "PRIMARY"
	ModeSecondary InteractionMode = "SECONDARY"
)

func (m InteractionMode) String() string {
	return string(m)
}

// Vector is a normalized pointer offset from the gesture anchor.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type ClosestLandmark struct {
	Group    LandmarkGroup `json:"group"`
	Distance float64       `json:"distance"`
	Vector   Vector        `json:"vector"`
}

type CursorFlags struct {
	FollowCursor bool `json:"follow_cursor"`
	GazeAtCursor bool `json:"gaze_at_cursor"`
}
