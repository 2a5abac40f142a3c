// Package protocol implements parsing of the browser agent's binary frame
// protocol: the 4-byte frame type envelope, the participant-audio
// sub-envelope, and float32 to PCM-16 sample conversion.
package protocol
