// Package patch defines the patch unit contract and the ordered registry of
// units a pipeline run applies.
//
// Registration order is semantically significant: units that target the
// same binary are applied in the order they were registered, and each unit
// observes the edits of the units before it.
//
// Units may come from code (the entrypoint injector registers itself) or
// from a Discoverer that loads candidates from a directory. Discovery uses
// an isolated failure policy: a candidate that fails to load is reported and
// skipped, and the remaining candidates still register.
package patch
