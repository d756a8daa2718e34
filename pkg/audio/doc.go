// Package audio holds the audio formats shared by the conversation core and
// the device backends.
//
// Capture is 16 kHz mono and travels upstream as base64 text of 16-bit
// little-endian PCM ([EncodeChunk]). Synthesised speech arrives as the same
// encoding at 24 kHz ([DecodeChunk], [DecodePlayableAudio]) and is played back
// from planar float [Buffer]s.
//
// Device interfaces live in audio/device; implementations in audio/malgo and
// audio/render.
package audio
