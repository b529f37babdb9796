// Package memory provides in-process implementations of every warehouse store. They honor the same
// uniqueness, conflict and claim semantics as the Postgres stores and back development runs and
// package tests.
package memory
