package watcher

import "math"

// Vec3 is a 3-component vector in host world units.
type Vec3 [3]float64

func (v Vec3) sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

func (v Vec3) dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

func (v Vec3) len() float64 { return math.Sqrt(v.dot(v)) }

// Pose is the camera state reported by the host.
type Pose struct {
	Position Vec3    `json:"position"`
	Forward  Vec3    `json:"forward"`
	Up       Vec3    `json:"up"`
	FOVDeg   float64 `json:"fov_deg"`
}

// Thresholds bound what counts as a real movement.
type Thresholds struct {
	Translation float64 // world units
	RotationDeg float64
	FOVDeg      float64
}

// DefaultThresholds ignore sub-centimetre and sub-half-degree jitter.
func DefaultThresholds() Thresholds {
	return Thresholds{Translation: 0.01, RotationDeg: 0.5, FOVDeg: 0.5}
}

// angleDeg returns the angle between a and b in degrees. Zero vectors compare
// as 0° so an unset orientation never triggers on its own.
func angleDeg(a, b Vec3) float64 {
	la, lb := a.len(), b.len()
	if la == 0 || lb == 0 {
		return 0
	}
	c := a.dot(b) / (la * lb)
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

// Exceeds reports whether p moved past any threshold relative to ref.
func (t Thresholds) Exceeds(ref, p Pose) bool {
	if p.Position != ref.Position && p.Position.sub(ref.Position).len() >= t.Translation {
		return true
	}
	if p.Forward != ref.Forward && angleDeg(ref.Forward, p.Forward) >= t.RotationDeg {
		return true
	}
	if p.Up != ref.Up && angleDeg(ref.Up, p.Up) >= t.RotationDeg {
		return true
	}
	return p.FOVDeg != ref.FOVDeg && math.Abs(p.FOVDeg-ref.FOVDeg) >= t.FOVDeg
}
