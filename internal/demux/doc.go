// Package demux splits the raw H.264 Annex B byte stream produced by the
// on-device capture service into coded units and classifies each one as a
// parameter set, a random-access picture or a delta picture.
//
// The central type is [Splitter], which accepts socket reads of arbitrary
// size and emits [media.CodedUnit] values as soon as their end boundary is
// seen. [ParseSPS] extracts the coded picture size from a sequence
// parameter set, used when the device does not report its resolution.
package demux
