// Package asm provides the editable in-memory model of a managed assembly.
//
// An Assembly is a tree of types, methods and instruction lists. All other
// internal packages import asm; asm imports nothing internal.
//
// Key design constraints:
//   - Instructions reference branch targets and handler bounds by pointer,
//     never by index, so inserting instructions never retargets a branch
//   - References to code in other assemblies go through Assembly.Import,
//     which keeps the assembly reference table in sync
//   - The on-disk container is a fixed header followed by canonical CBOR,
//     so Save(Load(x)) is byte-stable and Hash is deterministic
//
// The model is not safe for concurrent mutation. The pipeline owns a loaded
// assembly exclusively for one patch-and-persist cycle.
package asm
