// Package fanotify provides a safe wrapper over the Linux file access
// notification facility. A Listener registers interest in filesystem
// events (access, modify, open, permission checks) on files, directories
// or mounts, delivers decoded events on a channel, and writes allow/deny
// responses back to the kernel for permission events.
//
// Initialization and mark flag combinations are validated against the
// kernel's legality rules before any syscall is attempted. The event
// buffer returned by the kernel is decoded with bounds-checked cursor
// reads into owned Event values; unknown info record kinds appended by
// newer kernels are skipped so the decoder stays forward compatible.
package fanotify
