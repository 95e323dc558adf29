package duck

import "sync"

// tableLocks maps target table names to their locks so that no two
// materializations apply strategies to the same table concurrently. Readers
// are never blocked, the topological order guarantees upstream tables are
// fully committed before a downstream query renders.
var tableLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: make(map[string]*sync.Mutex),
}

func LockTable(name string) {
	tableLocks.Lock()
	lock, ok := tableLocks.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		tableLocks.locks[name] = lock
	}
	tableLocks.Unlock()

	lock.Lock()
}

func UnlockTable(name string) {
	tableLocks.Lock()
	lock, ok := tableLocks.locks[name]
	tableLocks.Unlock()
	if ok {
		lock.Unlock()
	}
}
