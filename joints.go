package docent

import "sort"

// Joint names for the SO-101 arm, in servo ID order (IDs 1-6).
const (
	JointShoulderPan  = "shoulder_pan"
	JointShoulderLift = "shoulder_lift"
	JointElbowFlex    = "elbow_flex"
	JointWristFlex    = "wrist_flex"
	JointWristRoll    = "wrist_roll"
	JointGripper      = "gripper"
)

// JointOrder maps bus position to joint name. Servo ID = index + 1.
var JointOrder = []string{
	JointShoulderPan,
	JointShoulderLift,
	JointElbowFlex,
	JointWristFlex,
	JointWristRoll,
	JointGripper,
}

// Position maps joint name to a setpoint in centered servo ticks
// (0 = calibrated home).
type Position map[string]int

// Clone returns an independent copy of p.
func (p Position) Clone() Position {
	out := make(Position, len(p))
	for joint, v := range p {
		out[joint] = v
	}
	return out
}

// Joints returns the joint names present in p, sorted for stable output.
func (p Position) Joints() []string {
	names := make([]string, 0, len(p))
	for joint := range p {
		names = append(names, joint)
	}
	sort.Strings(names)
	return names
}

// Merge returns a copy of p with the entries of other laid over it.
func (p Position) Merge(other Position) Position {
	out := p.Clone()
	for joint, v := range other {
		out[joint] = v
	}
	return out
}

// JointID returns the servo ID for a joint name, or 0 if unknown.
func JointID(name string) int {
	for i, joint := range JointOrder {
		if joint == name {
			return i + 1
		}
	}
	return 0
}

// IsKnownJoint reports whether name is one of the SO-101 joints.
func IsKnownJoint(name string) bool {
	return JointID(name) != 0
}
