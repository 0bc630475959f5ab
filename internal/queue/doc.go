// Package queue contains the publication queue: the item state machine,
// pluggable persistence backends (memory, file, MySQL, Redis), the dispatch
// layer that hands items to workers, and the bounded publication history.
package queue
