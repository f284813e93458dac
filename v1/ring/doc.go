// Package ring runs N workers around a ring of N resources, each worker
// needing the two resources next to its seat: the dining philosophers.
//
// Workers never block while holding a resource. A worker takes its left
// resource with a non-blocking TryAcquire, then its right one; if the right
// one is busy it puts the left one back and sleeps for an exponentially
// growing delay before trying again. No worker ever waits holding something
// another worker needs, so the ring cannot deadlock for any N >= 2.
package ring
