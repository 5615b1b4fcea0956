// Package transport implements the isolation boundary between execution
// contexts.
//
// Every [goja.Runtime] owns an independent heap, so a value moving from one
// thread to another is first encoded into a [Value], an opaque,
// context-independent byte string, and then decoded into the receiving
// runtime. No reference from one runtime is ever observable in another.
//
// # Transferable values
//
//   - undefined, null, booleans, numbers (integer and float), strings, BigInt
//   - arrays and plain objects (own enumerable string keys)
//   - Date, ArrayBuffer, and Error objects (name and message only)
//   - [ExternalFunction] handles, created by a thread's export table
//
// Anything else (functions, symbols, cyclic graphs, Map, Set, Promise,
// RegExp, wrapped Go values) is rejected with a [*SerializeError] that wraps
// [ErrNotTransferable]. Encoding never silently substitutes null.
//
// # Wire format
//
// A Value is a single protobuf wire-format field, whose field number is the
// kind tag (see the kind constants in codec.go). Arrays and objects nest
// further fields inside a length-delimited payload. The format is produced
// with [protowire] directly; there is no generated code.
//
// Go values may also be encoded with [Marshal] and decoded with [Unmarshal],
// which is how host code (schedulers, tests, device drivers) talks to
// scripts.
//
// [protowire]: https://pkg.go.dev/google.golang.org/protobuf/encoding/protowire
package transport
