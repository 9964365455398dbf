// Package decision decides whether the assistant should answer a message.
// Cheap heuristics (name mention, interrogative opener, empty-room bootstrap)
// short-circuit before the classifier; classifier failures fail open.
package decision
