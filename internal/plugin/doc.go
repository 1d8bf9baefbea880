// Package plugin discovers declarative patch units written in CUE.
//
// Each .cue file in the patchers directory may declare any number of units:
//
//	patcher: "skip-intro": {
//	    targets: ["Assembly-CSharp.dll"]
//	    order:   10
//	    actions: [
//	        {add_reference: {assembly: "IntroSkip", version: "1.0.0.0"}},
//	        {prepend_call: {
//	            type:   "Game.Boot"
//	            method: "Awake"
//	            call: {scope: "IntroSkip", type: "IntroSkip.Hooks", name: "Run"}
//	        }},
//	        {rename_method: {type: "Game.Intro", from: "Play", to: "PlayOriginal"}},
//	    ]
//	}
//
// Files are compiled independently, so one broken file does not hide units
// declared in the others. Units are returned sorted by order, then by file
// name, then by declaration order.
package plugin
