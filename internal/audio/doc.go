// Package audio turns synthesized speech into playable buffers and manages playback.
//
// Speech arrives as a base64 encoded payload of raw little-endian 16-bit signed PCM, mono, at 24 kHz.
// Decoding normalizes every sample to the [-1.0, 1.0) range. A decoded buffer is cached per message for
// the lifetime of the playback output and reused for every replay; failures are never cached.
package audio
