// Package protocol implements the newline-delimited text protocol spoken by
// the kiosk's serial microcontrollers.
//
// Three pieces live here, none of which perform I/O:
//
//   - FrameBuffer turns arbitrary byte chunks into complete frames. Frames
//     are separated by '\n'; brace-balanced JSON objects written back to
//     back without a newline are split as well.
//   - Handler.Parse classifies one frame into a typed Message. Recognised
//     forms, in the order they are tried:
//
//     QR:<content>                      QR scan (QR:QRS:member:ts:nonce:sig is structured)
//     {"event_type": ...}               controller JSON envelope
//     BARCODE:<digits>                  barcode scan
//     STATUS:k=v,...                    status report
//     HEARTBEAT                         heartbeat
//     RESP:<id>:OK|ERROR[:reason]       command response
//     ERROR:<message>                   device error
//     CMD:<id>:...                      command echo
//     <6-15 digits, no leading zero>    raw barcode from a USB reader
//
//     Anything else is KindUnknown, never an error.
//   - Handler.Encode and Handler.EncodeJSON turn typed Commands into wire
//     frames carrying a correlation id (CMD_0001, CMD_0002, ...). Issued ids
//     stay pending until a RESP frame marks them completed or SweepExpired
//     drops them.
//
// All Handler methods are safe for concurrent use.
package protocol
