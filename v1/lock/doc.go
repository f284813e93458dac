// Package lock provides the mutexes guarded by the coordination protocols.
// A Locker hands out named locks, in memory or on Redis; lock and unlock
// events propagate across nodes via syncbus. Mutex binds one name of a
// Locker into a handle with TryAcquire and Release, and Local is the
// process-only equivalent backed by sync.Mutex.
package lock
