// Package audio implements the streaming WAV container writer used for
// per-meeting recordings. Samples are appended behind a placeholder header
// that is rewritten with the final data length when the writer is closed.
package audio
