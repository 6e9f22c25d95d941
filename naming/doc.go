// Package naming derives downstream service identifiers from externally
// supplied endpoint names.
//
// Endpoint names come from configuration and carry no format guarantee. The
// downstream service graph only accepts names made of ASCII letters, digits
// and underscores, bounded to MaxLength bytes. Sanitize maps any string onto
// that alphabet and appends a checksum of the original bytes, so names that
// collapse to the same sanitized text still produce distinct identifiers.
//
// Basic usage:
//
//	id := naming.Sanitize("sensors/front.left")
//	// id == "ros2_sensors_front_left" + checksum
package naming
