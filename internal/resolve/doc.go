// Package resolve merges divergent values of a synchronized field.
//
// Every field name maps to a Strategy through a Table: exact names first, then the
// longest matching prefix, then the fallback (remote wins). Strategies are plain
// Go types; the set is closed, so adding a field kind means adding a type here.
//
// Resolve is total. Malformed JSON, strategy errors and panics all degrade to the
// remote value with a logged diagnostic, so a bad value on one field can never
// wedge synchronization of another.
package resolve
