// Package debounce collapses bursts of nudges on the same channel.
//
// The window is fixed, not sliding: a nudge arriving exactly window after
// the last admitted one is admitted. Suppressed nudges never move the
// window forward.
package debounce
