// Package protocol defines the chatfs wire format: a single fixed-size frame
// used for every message in both directions.
//
// # Frame layout
//
//	offset  size  field
//	0       4     type      (uint32, big-endian)
//	4       32    sender    (NUL padded, at most 31 bytes)
//	36      1024  data      (payload, zero padded)
//	1060    4     data_len  (uint32, big-endian, <= 1024)
//
// There is no length prefix: a reader always consumes exactly FrameSize bytes.
// Short reads from the socket are accumulated until a whole frame is present.
// A data_len larger than the payload capacity is rejected with ErrFrameInvalid
// so a hostile peer cannot make the server read past the payload.
//
// File contents travel as a run of FILE_DATA frames, each carrying up to
// PayloadSize bytes, terminated by FILE_END. The true length of the final
// chunk is carried by data_len and never inferred from the read size.
//
// Errors are reported with an ERROR frame (or LOGIN_FAIL during login) whose
// payload starts with a Code, see NewError and ParseError.
package protocol
