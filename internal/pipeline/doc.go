// Package pipeline drives a video through detection, association, speed
// estimation and overspeed classification, one frame at a time and strictly
// in frame order.
//
// The driver owns the track store for the whole run. Detection is the only
// blocking call; it is bounded by a timeout and may be prefetched ahead of
// association, but results are always applied in frame order. Outputs go to
// Sink implementations (JSON lines, the sqlite recorder, the video
// annotator). The package holds no domain logic of its own; it delegates to
// tracking and speed.
package pipeline
