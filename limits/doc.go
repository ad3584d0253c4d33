// Package limits holds the size bounds shared by the codec, the engine and
// the transports.
//
// A single radio write is between MinWriteSize and MaxWriteSize bytes. An
// advertisement may not exceed MaxKeyShareMessage. Legacy chunking carries
// at most LegacyCapacity bytes for a given write size; anything larger
// needs sequenced frames. No reassembled envelope may exceed MaxEnvelope.
package limits
