// Package approval implements the human approval gate. A preview of the
// pending publication is sent over a messenger channel and operator replies
// are polled until an approve or reject keyword arrives or the wait times
// out.
package approval
