// Package pipeline runs the fetch loop: claim queue rows, fetch politely, archive raw pages,
// parse, normalize into silver and record the outcome on the queue.
package pipeline
