// Package pipeline implements the post-archive stage: it walks a sealed
// recording directory, transcribes each audio file, and produces meeting
// and participant level summaries through a provider fallback chain.
package pipeline
