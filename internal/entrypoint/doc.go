// Package entrypoint implements the patch unit that hands control to the
// chainloader before a target type's own code runs.
//
// The injector locates (or synthesizes) the configured entry method and
// prepends four instructions to every matching method:
//
//	ldnull                        // game path, resolved upstream
//	ldc.i4.0                      // start console, allocated upstream
//	call   [Chainloader]...::Init(string,bool)
//	call   [Chainloader]...::Start()
//
// The original body follows unchanged, so field initializers compiled into a
// static initializer run strictly after chainloading completes.
//
// Both companion routines are resolved before any instruction is touched. A
// failed precondition leaves the assembly exactly as it was.
package entrypoint
