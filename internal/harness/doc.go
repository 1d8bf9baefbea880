// Package harness runs conformance scenarios against the patch pipeline.
//
// A scenario describes a managed directory as fixture assemblies, an
// optional set of CUE patchers, and the expected outcome. The harness
// materializes the fixtures in a temporary directory, runs the real
// pipeline one or more times, and compares the result with the scenario's
// expectations and with a golden listing of every binary left on disk.
//
// # Scenario Format
//
//	name: cctor_synthesis
//	description: "Synthesizes a static initializer on the entry type"
//	entrypoint:
//	  assembly: UnityEngine.CoreModule.dll
//	  type: Application
//	chainloader:
//	  omit: [Start]
//	assemblies:
//	  - file: UnityEngine.CoreModule.dll
//	    types:
//	      - namespace: UnityEngine
//	        name: Application
//	        methods:
//	          - name: Quit
//	            static: true
//	            body: [ret]
//	patchers:
//	  - file: intro.cue
//	    source: |
//	      patcher: "skip-intro": {...}
//	runs: 2
//	expect:
//	  error_code: ALREADY_PATCHED
//	  patched: [UnityEngine.CoreModule.dll]
//	  bodies:
//	    - assembly: UnityEngine.CoreModule.dll
//	      type: Application
//	      method: .cctor
//	      instructions: [ldnull, ldc.i4.0, ...]
//
// A body expectation checks every overload of the method unless it names
// params, which picks the overload with exactly those parameter types.
//
// Expectations other than error_code apply to the last run. error_code
// is the patch error code of the last run, or empty when it succeeded.
//
// # Golden Files
//
// RunWithGolden writes one listing per scenario: a header naming each
// run's outcome followed by the asm.Dump of every managed binary, in file
// name order. Regenerate them with:
//
//	go test ./internal/harness -update
package harness
