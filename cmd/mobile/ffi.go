//go:build cgo

// Build as shared library: libnourish.so (Android) / nourish.framework (iOS)
//
//	go build -buildmode=c-shared -o libnourish.so ./cmd/mobile

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"time"
	"unsafe"
)

var (
	core    bridge
	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = errorJSON(err)
}

// result converts a bridge result to a C string, or nil after recording err.
func result(out string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(out)
}

// status converts err to 0 on success and -1 on failure.
func status(err error) C.int {
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export Init
// Init opens the store and starts background sync. config is a JSON object
// with optional config_file, data_dir, user_id, remote_url and connected.
func Init(config *C.char) C.int {
	return status(core.open(C.GoString(config)))
}

//export Cleanup
// Cleanup stops sync and closes the store.
func Cleanup() C.int {
	return status(core.close())
}

//export GetLastError
// GetLastError returns the last error as {"code","message"} JSON, or "".
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

// =====================================================
// Record Operations
// =====================================================

//export RecordSave
// RecordSave saves a JSON record of kind and returns {"id": ...}.
func RecordSave(kind, data *C.char) *C.char {
	return result(core.save(C.GoString(kind), C.GoString(data)))
}

//export RecordGet
// RecordGet returns one visible record as JSON.
func RecordGet(kind, id *C.char) *C.char {
	return result(core.get(C.GoString(kind), C.GoString(id)))
}

//export RecordQuery
// RecordQuery returns a JSON array of visible records. filter is a JSON
// object with optional from, to, status, limit and offset.
func RecordQuery(kind, filter *C.char) *C.char {
	return result(core.query(C.GoString(kind), C.GoString(filter)))
}

//export RecordDelete
// RecordDelete soft-deletes a record.
func RecordDelete(kind, id *C.char) C.int {
	return status(core.delete(C.GoString(kind), C.GoString(id)))
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncStatus
// SyncStatus returns the status snapshot as JSON.
func SyncStatus() *C.char {
	return result(core.status())
}

//export SyncNow
// SyncNow pushes the outbox immediately; refresh != 0 also pulls.
func SyncNow(refresh C.int) *C.char {
	return result(core.forceSync(refresh != 0))
}

//export SyncMetrics
// SyncMetrics returns the in-process sync counters as JSON.
func SyncMetrics() *C.char {
	return result(core.metrics())
}

//export SetConnected
// SetConnected forwards the platform path monitor state.
func SetConnected(connected C.int) C.int {
	return status(core.setConnected(connected != 0))
}

//export AppDidBecomeActive
// AppDidBecomeActive forwards the app lifecycle signal.
func AppDidBecomeActive() C.int {
	return status(core.appDidBecomeActive())
}

//export NextEvent
// NextEvent waits up to timeoutMs for a sync notification and returns it as
// JSON, or "" on timeout.
func NextEvent(timeoutMs C.int) *C.char {
	return result(core.nextEvent(time.Duration(timeoutMs) * time.Millisecond))
}

// =====================================================
// Dead Letter Operations
// =====================================================

//export FailedList
// FailedList returns the dead-letter set as JSON.
func FailedList() *C.char {
	return result(core.failed())
}

//export FailedRequeue
// FailedRequeue moves a dead-lettered operation back into the outbox.
func FailedRequeue(id *C.char) C.int {
	return status(core.requeue(C.GoString(id)))
}

//export FailedDiscard
// FailedDiscard drops a dead-lettered operation.
func FailedDiscard(id *C.char) C.int {
	return status(core.discard(C.GoString(id)))
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
