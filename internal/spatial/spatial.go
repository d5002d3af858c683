// Package spatial holds the 3-D position math behind the relay's simulated
// audio attenuation.
package spatial

import "math"

// Position is a point in the shared 3-D space. Clients start at the origin.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Distance is the Euclidean distance between two positions.
func Distance(a, b Position) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	dz := b.Z - a.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Volume maps a pairwise distance onto an attenuation scalar in [0,1].
//
// Distances at or below 1 clamp to full volume; this avoids the inverse-square
// singularity at 0 and overly loud audio at very close range. Beyond that the
// model is plain inverse-square falloff.
func Volume(distance float64) float64 {
	if distance <= 1.0 {
		return 1.0
	}
	return 1.0 / (distance * distance)
}
