// Package bin contains the small byte-order helpers shared by the wire codecs
// and the bridge framing. The NTL broadcast and payload frames are little-endian;
// the bridge length prefix is big-endian.
package bin

import "encoding/binary"

func PutU32LE(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func U32LE(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func PutI32LE(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) }

func I32LE(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) }

func PutU32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

func U32BE(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
