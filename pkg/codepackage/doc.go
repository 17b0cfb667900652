/*
Package codepackage is the lowest-level lifecycle unit in the hosting
engine: one CodePackage per digested description, supervising exactly one
live instance at a time through a ProcessActivator backend and retrying
failed or periodic activations on the backoff schedule described in
SPEC_FULL.md §4.1.
*/
package codepackage
